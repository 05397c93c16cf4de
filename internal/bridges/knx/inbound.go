package knx

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// handleCommand processes one message delivered on CommandSubscribeTopic.
// It runs on the MQTT client's delivery goroutine.
//
// Every failure is logged and drops the command; nothing here is fatal.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	if !b.beginCommand() {
		return
	}
	defer b.wg.Done()

	b.stats.commands.Add(1)
	id := uuid.NewString()

	cmd, err := ParseCommand(payload)
	if err != nil {
		b.rejectCommand(CommandMalformed, "malformed command", "command_id", id, "topic", topic, "error", err)
		return
	}
	cmd.ID = id

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device", cmd.Device,
		"action", cmd.Action,
		"value", cmd.Value)

	rec, err := b.devices.FindByName(cmd.Device)
	if err != nil {
		b.rejectCommand(CommandUnknownDevice, "unknown device", "command_id", cmd.ID, "device", cmd.Device)
		return
	}

	pointType, err := ActionType(cmd.Action)
	if err != nil {
		b.rejectCommand(CommandUnknownAction, "unknown action", "command_id", cmd.ID, "error", err)
		return
	}

	data, err := Encode(pointType, cmd.Value)
	if err != nil {
		b.rejectCommand(CommandEncodeFailed, "encoding command value failed", "command_id", cmd.ID, "error", err)
		return
	}

	dst, isGroup, err := ResolveAddress(rec.GroupAddress)
	if err == nil && !isGroup {
		err = fmt.Errorf("%w: %q is not a group address", ErrInvalidAddress, rec.GroupAddress)
	}
	if err != nil {
		b.rejectCommand(CommandBadAddress, "device address unusable", "command_id", cmd.ID, "device", rec.Name, "error", err)
		return
	}

	apdu := BuildAPDU(APCIWrite, pointType, data)

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if err := b.writeGroup(ctx, dst, apdu); err != nil {
		b.rejectCommand(CommandWriteFailed, "bus write failed", "command_id", cmd.ID, "group_address", rec.GroupAddress, "error", err)
		return
	}

	b.stats.busWrites.Add(1)
	b.observer.CommandHandled(CommandOK)
	b.logInfo("command written to bus",
		"command_id", cmd.ID,
		"group_address", rec.GroupAddress,
		"eis", pointType.String(),
		"apdu", Hexdump(apdu))
}

// writeGroup performs one write on a fresh session and always releases it.
func (b *Bridge) writeGroup(ctx context.Context, dst uint16, apdu []byte) error {
	w, err := b.openWrite(ctx)
	if err != nil {
		return fmt.Errorf("opening bus writer: %w", err)
	}
	defer func() {
		if cerr := w.Close(); cerr != nil {
			b.logDebug("closing bus writer", "error", cerr)
		}
	}()

	return w.WriteGroup(ctx, dst, apdu)
}

// beginCommand registers an in-flight command unless the bridge is stopping.
func (b *Bridge) beginCommand() bool {
	b.stopMu.RLock()
	defer b.stopMu.RUnlock()

	if b.stopping {
		return false
	}
	b.wg.Add(1)
	return true
}

// rejectCommand counts and logs a dropped command.
func (b *Bridge) rejectCommand(result, msg string, keysAndValues ...any) {
	b.observer.CommandHandled(result)
	b.logWarn(msg, keysAndValues...)
}
