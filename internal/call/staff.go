package call

import (
	"strings"

	"github.com/clara-voice-lab/internal/channel"
)

// Staff is an operator that can be called. ID is the signaling identity.
type Staff struct {
	Code string
	Name string
	ID   string
}

var defaultStaff = []Staff{
	{Code: "LDN", Name: "Prof. Lakshmi Durga N", ID: "lakshmidurgan"},
	{Code: "ACS", Name: "Prof. Anitha C S", ID: "anithacs"},
	{Code: "GD", Name: "Dr. G Dhivyasri", ID: "gdhivyasri"},
	{Code: "NSK", Name: "Prof. Nisha S K", ID: "nishask"},
	{Code: "ABP", Name: "Prof. Amarnath B Patil", ID: "amarnathbpatil"},
	{Code: "NN", Name: "Dr. Nagashree N", ID: "nagashreen"},
	{Code: "AKV", Name: "Prof. Anil Kumar K V", ID: "anilkumarkv"},
	{Code: "JK", Name: "Prof. Jyoti Kumari", ID: "jyotikumari"},
	{Code: "VR", Name: "Prof. Vidyashree R", ID: "vidyashreer"},
	{Code: "BA", Name: "Dr. Bhavana A", ID: "bhavanaa"},
	{Code: "BTN", Name: "Prof. Bhavya T N", ID: "bhavyatn"},
}

// VideoCallTool is the tool name the conversational model invokes to
// reach an operator.
const VideoCallTool = "initiateVideoCall"

type Directory struct {
	entries []Staff
}

// NewDirectory uses entries, or the built-in roster when entries is empty.
func NewDirectory(entries []Staff) Directory {
	if len(entries) == 0 {
		entries = defaultStaff
	}
	return Directory{entries: append([]Staff(nil), entries...)}
}

// Lookup matches a short code, a signaling id or a full name, ignoring case.
func (d Directory) Lookup(key string) (Staff, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Staff{}, false
	}
	for _, s := range d.entries {
		if strings.EqualFold(s.Code, key) || strings.EqualFold(s.ID, key) || strings.EqualFold(s.Name, key) {
			return s, true
		}
	}
	return Staff{}, false
}

func (d Directory) Codes() []string {
	out := make([]string, 0, len(d.entries))
	for _, s := range d.entries {
		out = append(out, s.Code)
	}
	return out
}

func (d Directory) Entries() []Staff { return append([]Staff(nil), d.entries...) }

// ToolSpec declares the video call tool with the roster's codes.
func (d Directory) ToolSpec() channel.ToolSpec {
	return channel.ToolSpec{
		Name:        VideoCallTool,
		Description: "Start a video call with a staff member when the user asks to talk to or meet someone in person.",
		Params: []channel.ParamSpec{{
			Name:        "staffShortName",
			Description: "Short code of the staff member to call.",
			Enum:        d.Codes(),
			Required:    true,
		}},
	}
}
