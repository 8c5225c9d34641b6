package driver

import (
	"context"
	"fmt"

	"i4.energy/across/cellink/codec"
	"i4.energy/across/cellink/session"
)

// ConfigureSecurityProfile stores a TLS profile on the chip. The
// certificates it names must be written to NVM first.
func (d *Driver) ConfigureSecurityProfile(ctx context.Context, p codec.SecurityProfile) error {
	if _, err := d.issue(ctx, session.PoweredOff, p); err != nil {
		return fmt.Errorf("security profile %d: %w", p.ID, err)
	}
	d.logger.Info("Security profile configured", "profile", p.ID, "version", p.Version)
	return nil
}

// WriteNVM stores a PEM certificate or private key in slot index of the
// chip NVM, where it survives reboots. Empty data deletes the slot.
func (d *Driver) WriteNVM(ctx context.Context, typ codec.NVMData, index int, data []byte) error {
	if _, err := d.issue(ctx, session.PoweredOff, codec.NVMWrite{Type: typ, Index: index, Data: data}); err != nil {
		return fmt.Errorf("write nvm %s %d: %w", typ, index, err)
	}
	d.logger.Debug("NVM written", "type", typ, "index", index, "bytes", len(data))
	return nil
}
