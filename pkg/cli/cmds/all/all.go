// Package all registers all shell commands.
package all

import (
	_ "github.com/robotalks/ssam.go/pkg/cli/cmds/power"
	_ "github.com/robotalks/ssam.go/pkg/cli/cmds/rqst"
)
