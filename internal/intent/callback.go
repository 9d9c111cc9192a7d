package intent

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xaenox/karma-bot/internal/models"
)

// MaxCallbackLen is Telegram's limit on inline button callback data.
const MaxCallbackLen = 64

const sep = "|"

var (
	ErrNotEncodable     = errors.New("intent has no callback encoding")
	ErrCallbackTooLong  = errors.New("callback data exceeds 64 bytes")
	ErrMalformedPayload = errors.New("malformed callback data")
)

// Callback codes.
const (
	codeDuration        = "du"
	codeDate            = "dt"
	codeSlot            = "sl"
	codeSubmit          = "sb"
	codeAccept          = "ac"
	codeDecline         = "dc"
	codeCancel          = "cn"
	codeDays            = "fd"
	codeApproveFeedback = "fa"
	codeDeclineFeedback = "fx"
	codeOutcome         = "ro"
	codeTimezone        = "tz"
	codeRole            = "rl"
)

var (
	kindCodes = map[models.CommitmentKind]string{
		models.KindMeeting:  "m",
		models.KindFeedback: "f",
	}
	outcomeCodes = map[models.Outcome]string{
		models.OutcomeAttended:  "a",
		models.OutcomeFulfilled: "f",
		models.OutcomeMissed:    "x",
	}
)

// EncodeCallback renders i as callback data.
func EncodeCallback(i Intent) (string, error) {
	var parts []string
	switch v := i.(type) {
	case ChooseDuration:
		parts = []string{codeDuration, v.RequestID, strconv.Itoa(v.Minutes)}
	case ChooseDate:
		parts = []string{codeDate, v.RequestID, v.Date}
	case AddSlot:
		parts = []string{codeSlot, v.RequestID, v.Date, v.Time}
	case Submit:
		parts = []string{codeSubmit, v.RequestID}
	case Accept:
		parts = []string{codeAccept, v.RequestID, strconv.FormatInt(v.Start.Unix(), 10)}
	case Decline:
		parts = []string{codeDecline, v.RequestID}
	case Cancel:
		parts = []string{codeCancel, v.RequestID}
	case ChooseDays:
		parts = []string{codeDays, v.RequestID, strconv.Itoa(v.Days)}
	case ApproveFeedback:
		parts = []string{codeApproveFeedback, v.RequestID}
	case DeclineFeedback:
		parts = []string{codeDeclineFeedback, v.RequestID}
	case ReportOutcome:
		kind, ok := kindCodes[v.Kind]
		if !ok {
			return "", fmt.Errorf("%w: unknown commitment kind %q", ErrNotEncodable, v.Kind)
		}
		outcome, ok := outcomeCodes[v.Outcome]
		if !ok {
			return "", fmt.Errorf("%w: unknown outcome %q", ErrNotEncodable, v.Outcome)
		}
		parts = []string{codeOutcome, kind, v.CommitmentID, outcome}
	case SetTimezone:
		parts = []string{codeTimezone, v.Zone}
	case SetRole:
		parts = []string{codeRole, string(v.Role), string(v.RecruiterType)}
	default:
		return "", fmt.Errorf("%w: %T", ErrNotEncodable, i)
	}

	data := strings.Join(parts, sep)
	if len(data) > MaxCallbackLen {
		return "", fmt.Errorf("%w: %q", ErrCallbackTooLong, data)
	}
	return data, nil
}

// DecodeCallback parses callback data produced by EncodeCallback.
func DecodeCallback(data string) (Intent, error) {
	parts := strings.Split(data, sep)
	malformed := fmt.Errorf("%w: %q", ErrMalformedPayload, data)

	want := map[string]int{
		codeDuration: 3, codeDate: 3, codeSlot: 4, codeSubmit: 2,
		codeAccept: 3, codeDecline: 2, codeCancel: 2, codeDays: 3,
		codeApproveFeedback: 2, codeDeclineFeedback: 2, codeOutcome: 4,
		codeTimezone: 2, codeRole: 3,
	}
	if n, ok := want[parts[0]]; !ok || len(parts) != n {
		return nil, malformed
	}

	switch parts[0] {
	case codeDuration:
		minutes, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, malformed
		}
		return ChooseDuration{RequestID: parts[1], Minutes: minutes}, nil
	case codeDate:
		return ChooseDate{RequestID: parts[1], Date: parts[2]}, nil
	case codeSlot:
		return AddSlot{RequestID: parts[1], Date: parts[2], Time: parts[3]}, nil
	case codeSubmit:
		return Submit{RequestID: parts[1]}, nil
	case codeAccept:
		sec, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, malformed
		}
		return Accept{RequestID: parts[1], Start: time.Unix(sec, 0).UTC()}, nil
	case codeDecline:
		return Decline{RequestID: parts[1]}, nil
	case codeCancel:
		return Cancel{RequestID: parts[1]}, nil
	case codeDays:
		days, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, malformed
		}
		return ChooseDays{RequestID: parts[1], Days: days}, nil
	case codeApproveFeedback:
		return ApproveFeedback{RequestID: parts[1]}, nil
	case codeDeclineFeedback:
		return DeclineFeedback{RequestID: parts[1]}, nil
	case codeOutcome:
		kind, ok := lookup(kindCodes, parts[1])
		if !ok {
			return nil, malformed
		}
		outcome, ok := lookup(outcomeCodes, parts[3])
		if !ok {
			return nil, malformed
		}
		return ReportOutcome{Kind: kind, CommitmentID: parts[2], Outcome: outcome}, nil
	case codeTimezone:
		return SetTimezone{Zone: parts[1]}, nil
	case codeRole:
		return SetRole{Role: models.Role(parts[1]), RecruiterType: models.RecruiterType(parts[2])}, nil
	}
	return nil, malformed
}

func lookup[K comparable](codes map[K]string, code string) (K, bool) {
	for k, c := range codes {
		if c == code {
			return k, true
		}
	}
	var zero K
	return zero, false
}
