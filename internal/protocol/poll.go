package protocol

import "math"

// PollStatus is the status block carried by an extended poll reply.
//
//	g3  board type (low nibble) and firmware release (high nibble)
//	g4  output mask, bit n-1 = relay n
//	g5  input mask, active low
//	g6  dimmer level
//	g7  temperature integer part
//	g8  temperature tenths
//	g9  0x2D when the temperature is negative
//	g10 power in tenths of kW
//	g11 board setpoint
type PollStatus struct {
	BoardType   byte    `json:"boardType"`
	Release     byte    `json:"release"`
	OutputMask  byte    `json:"outputMask"`
	InputMask   byte    `json:"inputMask"`
	Dimmer      byte    `json:"dimmer"`
	Temperature float64 `json:"temperature"`
	PowerKW     float64 `json:"powerKw"`
	Setpoint    byte    `json:"setpoint"`
}

// DecodePoll reads the status block from a poll reply.
func DecodePoll(f Frame) PollStatus {
	temp := float64(f.G(7)) + float64(f.G(8))/10
	if f.G(9) == signMinus {
		temp = -temp
	}
	return PollStatus{
		BoardType:   f.G(3) & 0x0F,
		Release:     (f.G(3) >> 4) & 0x0F,
		OutputMask:  f.G(4),
		InputMask:   f.G(5),
		Dimmer:      f.G(6),
		Temperature: temp,
		PowerKW:     float64(f.G(10)) / 10,
		Setpoint:    f.G(11),
	}
}

// EncodePoll builds the reply a board sends for s.
func EncodePoll(d Dialect, address byte, s PollStatus) (Frame, error) {
	i, tenths := SplitTemperature(s.Temperature)
	var sign byte
	if s.Temperature < 0 {
		sign = signMinus
	}
	return d.Encode(address, OpPoll,
		(s.Release&0x0F)<<4|(s.BoardType&0x0F),
		s.OutputMask,
		s.InputMask,
		s.Dimmer,
		i, tenths, sign,
		byte(clamp(math.Round(s.PowerKW*10), 0, 255)),
		s.Setpoint,
	)
}

// Output reports the state of relay 1..8.
func (s PollStatus) Output(relay int) bool {
	if relay < 1 || relay > 8 {
		return false
	}
	return s.OutputMask&(1<<(relay-1)) != 0
}

// InputActive reports input 1..8; inputs are active low.
func (s PollStatus) InputActive(index int) bool {
	if index < 1 || index > 8 {
		return false
	}
	return s.InputMask&(1<<(index-1)) == 0
}

// SplitTemperature splits |v| rounded to one decimal into an integer part
// clamped to 0..99 and tenths 0..9.
func SplitTemperature(v float64) (byte, byte) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, 0
	}
	rounded := math.Round(math.Abs(v)*10) / 10
	i := math.Floor(rounded)
	d := math.Round((rounded - i) * 10)
	if d >= 10 {
		i++
		d = 0
	}
	return byte(clamp(i, 0, 99)), byte(clamp(d, 0, 9))
}

// JoinTemperature is the inverse of SplitTemperature for positive values.
func JoinTemperature(i, tenths byte) float64 {
	return float64(i) + float64(tenths)/10
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
