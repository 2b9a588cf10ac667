package job

import (
	"encoding/json"
	"fmt"
	"time"
)

type payloadJSON struct {
	Kind     PayloadKind `json:"kind"`
	Body     string      `json:"body,omitempty"`
	FileRef  string      `json:"file_ref,omitempty"`
	Caption  string      `json:"caption,omitempty"`
	Question string      `json:"question,omitempty"`
	Options  []string    `json:"options,omitempty"`
}

func EncodePayload(p Payload) ([]byte, error) {
	var out payloadJSON
	switch v := p.(type) {
	case Text:
		out = payloadJSON{Kind: PayloadText, Body: v.Body}
	case Photo:
		out = payloadJSON{Kind: PayloadPhoto, FileRef: v.FileRef, Caption: v.Caption}
	case Poll:
		out = payloadJSON{Kind: PayloadPoll, Question: v.Question, Options: v.Options}
	default:
		return nil, fmt.Errorf("encode payload: unsupported type %T", p)
	}
	return json.Marshal(out)
}

func DecodePayload(b []byte) (Payload, error) {
	var in payloadJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	switch in.Kind {
	case PayloadText:
		return Text{Body: in.Body}, nil
	case PayloadPhoto:
		return Photo{FileRef: in.FileRef, Caption: in.Caption}, nil
	case PayloadPoll:
		return Poll{Question: in.Question, Options: in.Options}, nil
	}
	return nil, fmt.Errorf("decode payload: unknown kind %q", in.Kind)
}

type recurrenceJSON struct {
	Kind      RecurrenceKind `json:"kind"`
	At        string         `json:"at,omitempty"`
	TimeOfDay int            `json:"time_of_day,omitempty"`
	Weekday   int            `json:"weekday,omitempty"`
	Period    string         `json:"period,omitempty"`
}

func EncodeRecurrence(r Recurrence) ([]byte, error) {
	var out recurrenceJSON
	switch v := r.(type) {
	case Once:
		out = recurrenceJSON{Kind: KindOnce, At: v.At.UTC().Format(time.RFC3339Nano)}
	case Daily:
		out = recurrenceJSON{Kind: KindDaily, TimeOfDay: int(v.TimeOfDay)}
	case Weekly:
		out = recurrenceJSON{Kind: KindWeekly, TimeOfDay: int(v.TimeOfDay), Weekday: int(v.Weekday)}
	case Interval:
		out = recurrenceJSON{Kind: KindInterval, Period: v.Period.String()}
	default:
		return nil, fmt.Errorf("encode recurrence: unsupported type %T", r)
	}
	return json.Marshal(out)
}

func DecodeRecurrence(b []byte) (Recurrence, error) {
	var in recurrenceJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, fmt.Errorf("decode recurrence: %w", err)
	}
	switch in.Kind {
	case KindOnce:
		at, err := time.Parse(time.RFC3339Nano, in.At)
		if err != nil {
			return nil, fmt.Errorf("decode recurrence: once.at: %w", err)
		}
		return Once{At: at.UTC()}, nil
	case KindDaily:
		return Daily{TimeOfDay: TimeOfDay(in.TimeOfDay)}, nil
	case KindWeekly:
		return Weekly{Weekday: time.Weekday(in.Weekday), TimeOfDay: TimeOfDay(in.TimeOfDay)}, nil
	case KindInterval:
		d, err := time.ParseDuration(in.Period)
		if err != nil {
			return nil, fmt.Errorf("decode recurrence: interval.period: %w", err)
		}
		return Interval{Period: d}, nil
	}
	return nil, fmt.Errorf("decode recurrence: unknown kind %q", in.Kind)
}
