package main

import (
	"fmt"
	"strconv"

	"github.com/relayd-project/relayd/pkg/model"
)

func parseObjID(s string) (model.ObjID, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("relayctl: invalid id %q: %w", s, err)
	}
	return model.ObjID(n), nil
}

func parseEnable(s string) (bool, error) {
	switch s {
	case "enable":
		return true, nil
	case "disable":
		return false, nil
	default:
		return false, fmt.Errorf("relayctl: expected enable or disable, got %q", s)
	}
}
