package scan

import (
	"encoding/json"
	"strings"

	"github.com/juju/errors"
)

// envelope is the JSON shape emitted by the notify trigger. Data is kept raw
// until the discriminator is known.
type envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode turns a raw notification payload into a ChangeEvent.
//
// An empty or unparseable payload yields an errors.NotValid error; a well
// formed payload with an unrecognised type yields errors.NotSupported so
// callers can log and skip it.
func Decode(payload string) (ChangeEvent, error) {
	if strings.TrimSpace(payload) == "" {
		return ChangeEvent{}, errors.NotValidf("empty notification payload")
	}

	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return ChangeEvent{}, errors.NewNotValid(err, "notification payload")
	}

	switch env.Type {
	case KindInsert:
		var rows []Record
		if err := decodeData(env.Data, &rows); err != nil {
			return ChangeEvent{}, errors.NewNotValid(err, "insert notification data")
		}
		return Insert(rows...), nil
	case KindDelete:
		var deletions []Deletion
		if err := decodeData(env.Data, &deletions); err != nil {
			return ChangeEvent{}, errors.NewNotValid(err, "delete notification data")
		}
		return Delete(deletions...), nil
	default:
		return ChangeEvent{}, errors.NotSupportedf("notification type %q", env.Type)
	}
}

// decodeData treats a missing or null data member as an empty batch.
func decodeData(raw json.RawMessage, into any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, into)
}
