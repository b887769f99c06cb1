package cli

import (
	"fmt"
	"strconv"

	"github.com/relayd-project/relayd/pkg/model"
)

// parseHostTableArgs parses the "<enable|disable> <id>" argument shape
// shared by the "host" and "table" commands.
func parseHostTableArgs(args []string) (model.ObjID, bool, error) {
	var enable bool
	switch args[0] {
	case "enable":
		enable = true
	case "disable":
		enable = false
	default:
		return 0, false, fmt.Errorf("expected enable or disable, got %q", args[0])
	}
	n, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return 0, false, fmt.Errorf("invalid id %q: %w", args[1], err)
	}
	return model.ObjID(n), enable, nil
}
