package knx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// PointType is an EIS (EIB Interworking Standard) information point type.
type PointType int

// EIS information point types.
const (
	EIS1  PointType = iota + 1 // switch (1 bit)
	EIS2                       // dimming control (4 bit)
	EIS3                       // time of day (3 bytes)
	EIS4                       // date (3 bytes)
	EIS5                       // 2-byte float
	EIS6                       // scaling, 8 bit unsigned
	EIS7                       // drive control (1 bit)
	EIS8                       // priority (2 bit)
	EIS9                       // IEEE-754 float (4 bytes)
	EIS10                      // 16 bit signed
	EIS11                      // 32 bit signed
	EIS12                      // access control, reserved
	EIS13                      // ASCII character
	EIS14                      // 8 bit signed counter
	EIS15                      // ASCII string (14 bytes)
)

// EIS encoding constants.
const (
	// eis5MantissaMask extracts the 11-bit mantissa.
	eis5MantissaMask = 0x07FF

	// eis5Invalid is the "invalid data" sentinel of the 2-byte float.
	eis5Invalid = 0x7FFF

	// eis15MaxChars is the string capacity of an EIS15 frame.
	eis15MaxChars = 14

	// secondsPerHour and secondsPerMinute split time-of-day values.
	secondsPerHour   = 3600
	secondsPerMinute = 60

	// printable ASCII bounds for EIS13 candidates.
	asciiFirstPrintable = 0x20
	asciiDelete         = 0x7F
)

// String returns "EIS<n>".
func (t PointType) String() string {
	return fmt.Sprintf("EIS%d", int(t))
}

// Valid reports whether t is one of EIS1-EIS15.
func (t PointType) Valid() bool {
	return t >= EIS1 && t <= EIS15
}

// Short reports whether the value travels in the low bits of the APCI byte.
func (t PointType) Short() bool {
	switch t {
	case EIS1, EIS2, EIS7, EIS8:
		return true
	default:
		return false
	}
}

// Candidate is one interpretation of a frame's value bytes.
//
// Value holds the typed result (bool, uint8, int8, int16, int32, float64,
// time.Duration for EIS3, time.Time for EIS4, string). Err is set when this
// interpretation alone failed; the other candidates remain usable.
type Candidate struct {
	Type  PointType
	Value any
	Text  string
	Err   error
}

// Candidates is the set of interpretations for one length class.
type Candidates struct {
	Length int
	Items  []Candidate
}

// Types returns the candidate point types in decode order.
func (c Candidates) Types() []PointType {
	types := make([]PointType, 0, len(c.Items))
	for _, item := range c.Items {
		types = append(types, item.Type)
	}
	return types
}

// Find returns the candidate for t.
func (c Candidates) Find(t PointType) (Candidate, bool) {
	for _, item := range c.Items {
		if item.Type == t {
			return item, true
		}
	}
	return Candidate{}, false
}

// lengthClasses maps the frame length byte to its candidate types.
// Lengths 6 through MaxPayload+1 carry EIS15 strings.
var lengthClasses = map[int][]PointType{
	1: {EIS1, EIS2, EIS7, EIS8},
	2: {EIS6, EIS14, EIS13},
	3: {EIS5, EIS10},
	4: {EIS3, EIS4},
	5: {EIS11, EIS9, EIS12},
}

// classFor returns the candidate types for a length byte.
func classFor(length int) ([]PointType, bool) {
	if types, ok := lengthClasses[length]; ok {
		return types, true
	}
	if length > len(lengthClasses) && length <= MaxPayload+1 {
		return []PointType{EIS15}, true
	}
	return nil, false
}

// Decode interprets value bytes by frame length only.
//
// The length is the frame length byte (APCI byte plus data bytes). data is
// Frame.ValueBytes(): the embedded 6-bit value for length 1, otherwise the
// payload. Every candidate of the length class is decoded; a candidate that
// fails individually (an EIS4 date that is not a calendar date, an EIS5
// invalid-data sentinel) carries its own Err. The EIS13 candidate is omitted
// when the byte is not printable.
//
// Returns:
//   - Candidates: all interpretations for the length class
//   - error: ErrUnknownLength or ErrShortPayload
func Decode(length int, data []byte) (Candidates, error) {
	types, ok := classFor(length)
	if !ok {
		return Candidates{}, fmt.Errorf("%w: %d", ErrUnknownLength, length)
	}

	out := Candidates{Length: length, Items: make([]Candidate, 0, len(types))}
	for _, t := range types {
		c, err := DecodeAs(t, data)
		if err != nil {
			if errors.Is(err, ErrShortPayload) {
				return Candidates{}, err
			}
			c = Candidate{Type: t, Err: err}
		}
		if t == EIS13 && c.Err != nil {
			continue
		}
		out.Items = append(out.Items, c)
	}

	return out, nil
}

// DecodeAs interprets data as a single point type.
//
// Parameters:
//   - t: point type
//   - data: value bytes (for short types the single embedded value byte)
//
// Returns:
//   - Candidate: typed value and its text form
//   - error: ErrShortPayload, ErrInvalidDate or ErrUnsupportedType
func DecodeAs(t PointType, data []byte) (Candidate, error) {
	need := valueWidth(t)
	if len(data) < need {
		return Candidate{}, fmt.Errorf("%w: %s requires %d bytes, got %d", ErrShortPayload, t, need, len(data))
	}

	switch t {
	case EIS1, EIS7:
		on := data[0]&0x01 != 0
		return Candidate{Type: t, Value: on, Text: boolText(on)}, nil
	case EIS2:
		v := data[0] & 0x0F
		return Candidate{Type: t, Value: v, Text: strconv.Itoa(int(v))}, nil
	case EIS8:
		v := data[0] & 0x03
		return Candidate{Type: t, Value: v, Text: strconv.Itoa(int(v))}, nil
	case EIS6:
		v := data[0]
		return Candidate{Type: t, Value: v, Text: fmt.Sprintf("%d%% | %d", Percent(v), v)}, nil
	case EIS14:
		v := int8(data[0]) //nolint:gosec // two's complement reinterpretation
		return Candidate{Type: t, Value: v, Text: strconv.Itoa(int(v))}, nil
	case EIS13:
		v := data[0]
		if v < asciiFirstPrintable || v >= asciiDelete {
			return Candidate{}, fmt.Errorf("%w: %s byte 0x%02x is not printable", ErrMalformedValue, t, v)
		}
		return Candidate{Type: t, Value: string(rune(v)), Text: string(rune(v))}, nil
	case EIS5:
		v, err := decodeFloat16(data)
		if err != nil {
			return Candidate{}, err
		}
		return Candidate{Type: t, Value: v, Text: fmt.Sprintf("%.2f", v)}, nil
	case EIS10:
		v := int16(binary.BigEndian.Uint16(data)) //nolint:gosec // two's complement reinterpretation
		return Candidate{Type: t, Value: v, Text: strconv.Itoa(int(v))}, nil
	case EIS3:
		d := decodeTimeOfDay(data)
		return Candidate{Type: t, Value: d, Text: FormatTimeOfDay(d)}, nil
	case EIS4:
		date, err := decodeDate(data)
		if err != nil {
			return Candidate{}, err
		}
		return Candidate{Type: t, Value: date, Text: date.Format("2006/01/02")}, nil
	case EIS11:
		v := int32(binary.BigEndian.Uint32(data)) //nolint:gosec // two's complement reinterpretation
		return Candidate{Type: t, Value: v, Text: strconv.Itoa(int(v))}, nil
	case EIS9:
		v := float64(math.Float32frombits(binary.BigEndian.Uint32(data)))
		return Candidate{Type: t, Value: v, Text: fmt.Sprintf("%.2f", v)}, nil
	case EIS12:
		return Candidate{Type: t, Text: "<->"}, nil
	case EIS15:
		s := strings.TrimRight(string(data), "\x00")
		return Candidate{Type: t, Value: s, Text: s}, nil
	default:
		return Candidate{}, fmt.Errorf("%w: %d", ErrUnsupportedType, int(t))
	}
}

// valueWidth is the number of value bytes DecodeAs needs for t.
func valueWidth(t PointType) int {
	switch t {
	case EIS1, EIS2, EIS7, EIS8, EIS6, EIS13, EIS14:
		return 1
	case EIS5, EIS10:
		return 2
	case EIS3, EIS4:
		return 3
	case EIS9, EIS11, EIS12:
		return 4
	default:
		return 0
	}
}

// Percent scales an EIS6 raw byte to 0-100 with integer division.
func Percent(raw uint8) int {
	return int(raw) * 100 / 255 //nolint:mnd // full scale
}

func boolText(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// decodeFloat16 decodes the KNX 2-byte float.
//
// Format:
//
//	Byte 0: SEEE EMMM (Sign, Exponent, Mantissa high)
//	Byte 1: MMMM MMMM (Mantissa low)
//
// Value = (0.01 × Mantissa) × 2^Exponent, mantissa in two's complement.
func decodeFloat16(data []byte) (float64, error) {
	raw := binary.BigEndian.Uint16(data)
	if raw == eis5Invalid {
		return 0, fmt.Errorf("%w: EIS5 invalid value 0x7FFF", ErrMalformedValue)
	}

	sign := raw&0x8000 != 0
	exp := (raw >> 11) & 0x0F
	mantissa := int16(raw & eis5MantissaMask) //nolint:gosec // 11-bit value fits in int16
	if sign {
		mantissa |= -0x800
	}

	return float64(mantissa) * 0.01 * math.Pow(2, float64(exp)), nil
}

// decodeTimeOfDay decodes the 3-byte time: day|hour, minutes, seconds.
// The weekday bits are ignored.
func decodeTimeOfDay(data []byte) time.Duration {
	hour := int(data[0] & 0x1F)
	minute := int(data[1] & 0x3F)
	second := int(data[2] & 0x3F)
	return time.Duration(hour*secondsPerHour+minute*secondsPerMinute+second) * time.Second
}

// FormatTimeOfDay renders a time of day as HH:MM:SS by /3600, %3600/60, %60.
func FormatTimeOfDay(d time.Duration) string {
	seconds := int(d / time.Second)
	hour := seconds / secondsPerHour
	seconds %= secondsPerHour
	minute := seconds / secondsPerMinute
	seconds %= secondsPerMinute
	return fmt.Sprintf("%02d:%02d:%02d", hour, minute, seconds)
}

// decodeDate decodes the 3-byte date: day, month, year (two digits).
// Years below 90 are 20xx. The result is local midnight.
func decodeDate(data []byte) (time.Time, error) {
	day := int(data[0] & 0x1F)
	month := int(data[1] & 0x0F)
	year := int(data[2] & 0x7F)
	if year < 90 { //nolint:mnd // century boundary
		year += 2000
	} else {
		year += 1900
	}

	if month < 1 || month > 12 || day < 1 {
		return time.Time{}, fmt.Errorf("%w: %02d/%02d/%04d", ErrInvalidDate, day, month, year)
	}

	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.Local)
	if date.Day() != day || int(date.Month()) != month {
		return time.Time{}, fmt.Errorf("%w: %02d/%02d/%04d", ErrInvalidDate, day, month, year)
	}
	return date, nil
}

// Encode converts command text to the value bytes of t.
//
// Supported types: EIS1 (byte, any non-zero is on), EIS10 (int16),
// EIS11 (int32), EIS9 (float32), EIS13 (first character), EIS15 (string of
// at most 14 bytes). Multi-byte values are big-endian.
//
// Returns:
//   - []byte: value bytes (for EIS1 the single value byte)
//   - error: ErrUnsupportedType or ErrMalformedValue
func Encode(t PointType, text string) ([]byte, error) {
	text = strings.TrimSpace(text)

	switch t {
	case EIS1:
		v, err := strconv.Atoi(text)
		if err != nil {
			b, berr := strconv.ParseBool(text)
			if berr != nil {
				return nil, fmt.Errorf("%w: %s %q", ErrMalformedValue, t, text)
			}
			return []byte{boolByte(b)}, nil
		}
		return []byte{boolByte(v != 0)}, nil

	case EIS10:
		v, err := strconv.ParseInt(text, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q: %w", ErrMalformedValue, t, text, err)
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(v)) //nolint:gosec // range checked by ParseInt
		return buf, nil

	case EIS11:
		v, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q: %w", ErrMalformedValue, t, text, err)
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(v)) //nolint:gosec // range checked by ParseInt
		return buf, nil

	case EIS9:
		v, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q: %w", ErrMalformedValue, t, text, err)
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(v)))
		return buf, nil

	case EIS13:
		if text == "" {
			return nil, fmt.Errorf("%w: %s requires one character", ErrMalformedValue, t)
		}
		return []byte{text[0]}, nil

	case EIS15:
		if len(text) > eis15MaxChars {
			return nil, fmt.Errorf("%w: %s holds at most %d bytes, got %d", ErrMalformedValue, t, eis15MaxChars, len(text))
		}
		return []byte(text), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
}

func boolByte(v bool) byte {
	if v {
		return 0x01
	}
	return 0x00
}

// BuildAPDU builds the TPCI/APCI header plus data for a group telegram.
//
// Short types embed the value in the low 6 bits of the APCI byte:
//
//	[TPCI=0x00, APCI|value]
//
// Other types append the value bytes:
//
//	[TPCI=0x00, APCI, data...]
func BuildAPDU(apci byte, t PointType, data []byte) []byte {
	if t.Short() {
		var v byte
		if len(data) > 0 {
			v = data[0] & shortValueMask
		}
		return []byte{0x00, apci | v}
	}

	apdu := make([]byte, 2+len(data))
	apdu[1] = apci
	copy(apdu[2:], data)
	return apdu
}
