package bacnet

import (
	"fmt"
	"strconv"
	"strings"
)

// Element is a meter element resolved to a concrete read target plus the
// reading field its value lands in.
type Element struct {
	Ref   PropertyRef
	Field string
}

// ParseElement maps a meter's element string onto the object to read.
// Three forms are accepted:
//
//	"kWh"              bare field name: analog-value <elementID>,
//	                   present-value, stored under that field
//	"analogInput:3"    object:instance, present-value
//	"av:7:objectName"  object:instance:property
//
// Object types and properties accept long names, short aliases or raw
// numbers; matching ignores case.
func ParseElement(element string, elementID int64) (Element, error) {
	s := strings.TrimSpace(element)
	if s == "" {
		return Element{}, fmt.Errorf("bacnet: empty element")
	}

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		if !isFieldName(s) {
			return Element{}, fmt.Errorf("bacnet: invalid element field %q", s)
		}
		if elementID < 0 || elementID > maxObjectInstance {
			return Element{}, fmt.Errorf("bacnet: element id %d out of instance range", elementID)
		}
		return Element{
			Ref: PropertyRef{
				ObjectType:     ObjectAnalogValue,
				ObjectInstance: uint32(elementID),
				Property:       PropertyPresentValue,
			},
			Field: s,
		}, nil

	case 2, 3:
		ot, err := parseObjectType(parts[0])
		if err != nil {
			return Element{}, err
		}
		instance, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
		if err != nil || instance > maxObjectInstance {
			return Element{}, fmt.Errorf("bacnet: invalid object instance %q", parts[1])
		}
		prop := PropertyPresentValue
		if len(parts) == 3 {
			if prop, err = parsePropertyID(parts[2]); err != nil {
				return Element{}, err
			}
		}
		return Element{
			Ref: PropertyRef{
				ObjectType:     ot,
				ObjectInstance: uint32(instance),
				Property:       prop,
			},
			Field: propertyFieldName(prop),
		}, nil

	default:
		return Element{}, fmt.Errorf("bacnet: invalid element %q", element)
	}
}

func parseObjectType(s string) (ObjectType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "analoginput", "ai":
		return ObjectAnalogInput, nil
	case "analogoutput", "ao":
		return ObjectAnalogOutput, nil
	case "analogvalue", "av":
		return ObjectAnalogValue, nil
	case "binaryinput", "bi":
		return ObjectBinaryInput, nil
	case "binaryoutput", "bo":
		return ObjectBinaryOutput, nil
	case "binaryvalue", "bv":
		return ObjectBinaryValue, nil
	case "multistatevalue", "msv":
		return ObjectMultiStateValue, nil
	case "accumulator", "acc":
		return ObjectAccumulator, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || n >= 1<<10 {
		return 0, fmt.Errorf("bacnet: unknown object type %q", s)
	}
	return ObjectType(n), nil
}

func parsePropertyID(s string) (PropertyID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "presentvalue", "pv":
		return PropertyPresentValue, nil
	case "objectname":
		return PropertyObjectName, nil
	case "units":
		return PropertyUnits, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bacnet: unknown property %q", s)
	}
	return PropertyID(n), nil
}

// propertyFieldName names the reading column an explicit object reference
// stores into.
func propertyFieldName(p PropertyID) string {
	switch p {
	case PropertyPresentValue:
		return "presentValue"
	case PropertyObjectName:
		return "objectName"
	case PropertyUnits:
		return "units"
	default:
		return fmt.Sprintf("prop%d", p)
	}
}

func isFieldName(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
		case r == '_' || r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
