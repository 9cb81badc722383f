package cds

// Rule handlers consume FHIR-shaped input as plain decoded JSON. These
// accessors tolerate missing keys and wrong shapes, returning zero values
// instead of panicking.

func getMap(v interface{}, key string) map[string]interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	child, _ := m[key].(map[string]interface{})
	return child
}

func getArray(v interface{}, key string) []interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	arr, _ := m[key].([]interface{})
	return arr
}

func getString(v interface{}, key string) string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	switch val := m[key].(type) {
	case string:
		return val
	default:
		return ""
	}
}

func getFloat(v interface{}, key string) (float64, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return 0, false
	}
	switch val := m[key].(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	default:
		return 0, false
	}
}

// resourcesOf normalizes the shapes a context or prefetch value can take:
// a FHIR Bundle ({entry: [{resource: ...}]}), a bare array of resources, or
// a single resource map. It returns the contained resource maps.
func resourcesOf(v interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	switch val := v.(type) {
	case map[string]interface{}:
		if entries, ok := val["entry"].([]interface{}); ok {
			for _, e := range entries {
				if res := getMap(e, "resource"); res != nil {
					out = append(out, res)
				}
			}
			return out
		}
		out = append(out, val)
	case []interface{}:
		for _, item := range val {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

// codingsOf flattens every coding carried by a CodeableConcept-shaped map.
func codingsOf(concept map[string]interface{}) []Coding {
	var out []Coding
	for _, c := range getArray(concept, "coding") {
		m, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, Coding{
			Code:    getString(m, "code"),
			System:  getString(m, "system"),
			Display: getString(m, "display"),
		})
	}
	return out
}
