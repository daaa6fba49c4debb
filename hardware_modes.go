package main

// Hardware output modes. Each mode fixes how many channels a device drives,
// the labels shown in clients, and the v2 packet stream id that carries it.

// HardwareMode describes one board variant.
type HardwareMode struct {
	ID       string   `json:"id"`
	Channels int      `json:"channels"`
	Labels   []string `json:"labels"`
	StreamID int      `json:"stream_id"`
}

const DefaultModeID = "4ch_v1"

var hardwareModes = map[string]HardwareMode{
	"4ch_v1": {
		ID:       "4ch_v1",
		Channels: 4,
		Labels:   []string{"Green", "Yellow", "Blue", "Red"},
		StreamID: 1,
	},
	"2ch_v1": {
		ID:       "2ch_v1",
		Channels: 2,
		Labels:   []string{"Red+Yellow", "Green+Blue"},
		StreamID: 2,
	},
	"rgb_v1": {
		ID:       "rgb_v1",
		Channels: 3,
		Labels:   []string{"Red", "Green", "Blue"},
		StreamID: 3,
	},
}

func ModeByID(id string) (HardwareMode, bool) {
	m, ok := hardwareModes[id]
	return m, ok
}

// ModeOrDefault resolves unknown ids to the 4-channel default so a stale
// config entry cannot leave a device without labels.
func ModeOrDefault(id string) HardwareMode {
	if m, ok := hardwareModes[id]; ok {
		return m
	}
	return hardwareModes[DefaultModeID]
}

func ModeByStreamID(streamID int) (HardwareMode, bool) {
	for _, m := range hardwareModes {
		if m.StreamID == streamID {
			return m, true
		}
	}
	return HardwareMode{}, false
}

func clampChannel(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

// clampValues returns a copy with every element clamped to 0-255.
func clampValues(values []int) []int {
	out := make([]int, len(values))
	for i, v := range values {
		out[i] = clampChannel(v)
	}
	return out
}

// resizeValues truncates or zero-pads a copy of values to n channels.
func resizeValues(values []int, n int) []int {
	out := make([]int, n)
	copy(out, values)
	return out
}

// adaptValues maps a channel vector onto a device's resolved channel
// count. The count is passed separately from the mode id because legacy
// devices keep the default mode id with their own declared count. A
// 4-channel vector collapsing onto a 2ch_v1 board takes the per-pair
// maximum so neither color bank goes dark; everything else truncates or
// zero-pads to the device's count.
func adaptValues(values []int, modeID string, channels int) []int {
	if modeID == "2ch_v1" && len(values) >= 4 {
		// Source ordering is Green, Yellow, Blue, Red.
		redYellow := values[3]
		if values[1] > redYellow {
			redYellow = values[1]
		}
		greenBlue := values[0]
		if values[2] > greenBlue {
			greenBlue = values[2]
		}
		return []int{redYellow, greenBlue}
	}
	return resizeValues(values, channels)
}
