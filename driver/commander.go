package driver

import (
	"context"

	"i4.energy/across/cellink/at"
)

//go:generate go tool mockgen -source=commander.go -destination=mock_commander.go -package=driver

// Commander runs AT commands one at a time and delivers the lines that did
// not belong to any command. *modem.Modem implements it.
type Commander interface {
	// Exec writes cmd and returns the lines of its response, ending with
	// the final result code.
	Exec(ctx context.Context, cmd at.Command) ([]string, error)
	// URC delivers unsolicited lines in arrival order.
	URC() <-chan string
}
