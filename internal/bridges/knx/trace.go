package knx

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// traceTimeLayout is the timestamp layout of the monitor trace line.
const traceTimeLayout = "2006/01/02 15:04:05.000"

// FormatTrace renders the per-frame monitor line.
//
// Layout:
//
//	[seq: ]YYYY/MM/DD HH:MM:SS:mmm - src  CODE prio r k C dst[ : values (hexdump - eis types: list)]
//
// seq is printed right-aligned to width when width > 0. The value section is
// only present for writes and responses. decodeErr is the error returned by
// Decode, if any.
func FormatTrace(seq, width int, at time.Time, f Frame, c Candidates, decodeErr error) string {
	var b strings.Builder

	if width > 0 {
		fmt.Fprintf(&b, "%*d: ", width, seq)
	}

	// Milliseconds follow a colon on the monitor line.
	ts := at.Format(traceTimeLayout)
	b.WriteString(strings.Replace(ts, ".", ":", 1))
	b.WriteString(" - ")

	fmt.Fprintf(&b, "%8s  ", f.SourceAddress())
	if f.MessageCode() == MessageOther {
		fmt.Fprintf(&b, " %s ", f.CodeLabel())
	} else {
		b.WriteString(f.CodeLabel())
		b.WriteByte(' ')
	}

	b.WriteString(f.Priority().String())
	if f.Repeated() {
		b.WriteString(" r")
	} else {
		b.WriteString("  ")
	}
	if f.AckRequested() {
		b.WriteString("k ")
	} else {
		b.WriteString("  ")
	}
	b.WriteString(f.Command().String())
	b.WriteByte(' ')
	fmt.Fprintf(&b, "%8s", f.DestinationAddress())

	if !f.CarriesValue() {
		return b.String()
	}

	b.WriteString(" : ")
	if decodeErr != nil {
		fmt.Fprintf(&b, "%v", decodeErr)
	} else {
		b.WriteString(traceValues(c))
	}

	fmt.Fprintf(&b, " (%s - eis types: %s)", Hexdump(f.DumpBytes()), traceTypes(c))
	return b.String()
}

// traceValues joins the candidate texts with " | ".
func traceValues(c Candidates) string {
	parts := make([]string, 0, len(c.Items))
	for _, item := range c.Items {
		switch {
		case item.Err != nil && item.Type == EIS4:
			parts = append(parts, "inval date")
		case item.Err != nil:
			parts = append(parts, "?")
		case item.Type == EIS12:
			parts = append(parts, "12: "+item.Text)
		default:
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, " | ")
}

// traceTypes lists the candidate type numbers, e.g. "6, 14, 13".
func traceTypes(c Candidates) string {
	if len(c.Items) == 0 {
		return "-"
	}
	nums := make([]string, 0, len(c.Items))
	for _, t := range c.Types() {
		nums = append(nums, strconv.Itoa(int(t)))
	}
	return strings.Join(nums, ", ")
}

// Hexdump renders bytes as space-separated lowercase hex pairs.
func Hexdump(data []byte) string {
	parts := make([]string, len(data))
	for i, v := range data {
		parts[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(parts, " ")
}

// SequenceWidth returns the number of digits needed to print total.
// It returns 0 for an endless run (total <= 0).
func SequenceWidth(total int) int {
	if total <= 0 {
		return 0
	}
	return len(strconv.Itoa(total))
}
