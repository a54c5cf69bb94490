package collection

import "encoding/json"

func confSchedulerVersion(conf string) int {
	var c struct {
		SchedVer int `json:"schedVer"`
	}
	if err := json.Unmarshal([]byte(conf), &c); err != nil {
		return 1
	}
	if c.SchedVer == 0 {
		return 1
	}
	return c.SchedVer
}

func confHasCreationOffset(conf string) bool {
	var c map[string]json.RawMessage
	if err := json.Unmarshal([]byte(conf), &c); err != nil {
		return false
	}
	v, ok := c["creationOffset"]
	return ok && string(v) != "null"
}
