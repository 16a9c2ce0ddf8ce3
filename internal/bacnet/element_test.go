package bacnet

import "testing"

// TestParseElement covers the three accepted element forms and their
// alias/number spellings.
func TestParseElement(t *testing.T) {
	tests := []struct {
		element   string
		elementID int64
		want      Element
	}{
		{"kWh", 3001, Element{
			Ref:   PropertyRef{ObjectType: ObjectAnalogValue, ObjectInstance: 3001, Property: PropertyPresentValue},
			Field: "kWh",
		}},
		{"presentValue", 12, Element{
			Ref:   PropertyRef{ObjectType: ObjectAnalogValue, ObjectInstance: 12, Property: PropertyPresentValue},
			Field: "presentValue",
		}},
		{"analogInput:3", 99, Element{
			Ref:   PropertyRef{ObjectType: ObjectAnalogInput, ObjectInstance: 3, Property: PropertyPresentValue},
			Field: "presentValue",
		}},
		{"AV:7:presentValue", 0, Element{
			Ref:   PropertyRef{ObjectType: ObjectAnalogValue, ObjectInstance: 7, Property: PropertyPresentValue},
			Field: "presentValue",
		}},
		{"av:7:objectName", 0, Element{
			Ref:   PropertyRef{ObjectType: ObjectAnalogValue, ObjectInstance: 7, Property: PropertyObjectName},
			Field: "objectName",
		}},
		{"accumulator:15:units", 0, Element{
			Ref:   PropertyRef{ObjectType: ObjectAccumulator, ObjectInstance: 15, Property: PropertyUnits},
			Field: "units",
		}},
		{"2:9:85", 0, Element{
			Ref:   PropertyRef{ObjectType: ObjectAnalogValue, ObjectInstance: 9, Property: PropertyPresentValue},
			Field: "presentValue",
		}},
		{"bi:1", 0, Element{
			Ref:   PropertyRef{ObjectType: ObjectBinaryInput, ObjectInstance: 1, Property: PropertyPresentValue},
			Field: "presentValue",
		}},
		{" msv:4 ", 0, Element{
			Ref:   PropertyRef{ObjectType: ObjectMultiStateValue, ObjectInstance: 4, Property: PropertyPresentValue},
			Field: "presentValue",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.element, func(t *testing.T) {
			got, err := ParseElement(tt.element, tt.elementID)
			if err != nil {
				t.Fatalf("ParseElement(%q): %v", tt.element, err)
			}
			if got != tt.want {
				t.Fatalf("ParseElement(%q): got %+v, want %+v", tt.element, got, tt.want)
			}
		})
	}
}

// TestParseElementRejects covers malformed element strings.
func TestParseElementRejects(t *testing.T) {
	tests := []struct {
		name      string
		element   string
		elementID int64
	}{
		{"empty", "", 1},
		{"blank", "   ", 1},
		{"unknown object type", "bogus:1", 1},
		{"bad instance", "av:xyz", 1},
		{"instance too large", "av:4194304", 1},
		{"too many parts", "av:1:2:3", 1},
		{"field starts with digit", "9kWh", 1},
		{"field with dash", "kW-peak", 1},
		{"element id out of range", "kWh", 1 << 23},
		{"negative element id", "kWh", -1},
		{"unknown property", "av:1:bogus", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseElement(tt.element, tt.elementID); err == nil {
				t.Fatalf("ParseElement(%q, %d): expected error", tt.element, tt.elementID)
			}
		})
	}
}
