// Package command parses the owner's chat text into typed commands. It is a
// pure function of the input; destination ids and times stay opaque here.
package command

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrParse means the text matched none of the command forms. Non-fatal; the
// caller answers with usage help (or treats the text as forwarded content
// when a pending schedule is armed).
var ErrParse = errors.New("unrecognized command")

// Command is a sealed sum over the seven owner command forms; dispatch with
// a single type switch at the handling boundary.
type Command interface{ isCommand() }

// Schedule is the one-shot form: schedule "<text>" to <alias> at <when>.
type Schedule struct {
	Text       string
	GroupAlias string
	When       string
}

// ScheduleConfig is the two-phase form without quoted content:
// schedule to <alias> at <when>. Content arrives in a later message.
type ScheduleConfig struct {
	GroupAlias string
	When       string
}

type List struct{}

type Cancel struct {
	JobID int64
}

type RegisterGroup struct {
	Alias     string
	GroupID   string
	GroupName *string
}

type UnregisterGroup struct {
	Alias string
}

type Groups struct{}

func (Schedule) isCommand()        {}
func (ScheduleConfig) isCommand()  {}
func (List) isCommand()            {}
func (Cancel) isCommand()          {}
func (RegisterGroup) isCommand()   {}
func (UnregisterGroup) isCommand() {}
func (Groups) isCommand()          {}

var (
	scheduleRE = regexp.MustCompile(
		`(?i)^schedule\s+"(.+?)"\s+to\s+([\w-]+)\s+(?:at\s+)?(.+)$`)
	scheduleConfigRE = regexp.MustCompile(
		`(?i)^schedule\s+to\s+([\w-]+)\s+(?:at\s+)?(.+)$`)
	registerRE = regexp.MustCompile(
		`(?i)^register\s+group\s+([\w-]+)\s+([\w.@-]+)(?:\s+(.+))?$`)
	unregisterRE = regexp.MustCompile(
		`(?i)^unregister\s+group\s+([\w-]+)$`)
	cancelRE = regexp.MustCompile(`(?i)^cancel\s+(\d+)$`)
	listRE   = regexp.MustCompile(`(?i)^list$`)
	groupsRE = regexp.MustCompile(`(?i)^groups$`)
)

// Parse matches case-insensitively, first match wins.
func Parse(message string) (Command, error) {
	text := strings.TrimSpace(message)

	if m := scheduleRE.FindStringSubmatch(text); m != nil {
		return Schedule{Text: m[1], GroupAlias: m[2], When: strings.TrimSpace(m[3])}, nil
	}
	if m := scheduleConfigRE.FindStringSubmatch(text); m != nil {
		return ScheduleConfig{GroupAlias: m[1], When: strings.TrimSpace(m[2])}, nil
	}
	if m := registerRE.FindStringSubmatch(text); m != nil {
		var name *string
		if trimmed := strings.TrimSpace(m[3]); trimmed != "" {
			name = &trimmed
		}
		return RegisterGroup{Alias: m[1], GroupID: m[2], GroupName: name}, nil
	}
	if m := unregisterRE.FindStringSubmatch(text); m != nil {
		return UnregisterGroup{Alias: m[1]}, nil
	}
	if m := cancelRE.FindStringSubmatch(text); m != nil {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, ErrParse
		}
		return Cancel{JobID: id}, nil
	}
	if listRE.MatchString(text) {
		return List{}, nil
	}
	if groupsRE.MatchString(text) {
		return Groups{}, nil
	}
	return nil, ErrParse
}
