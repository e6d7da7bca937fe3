package wire

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/alexjbarnes/agri-chat/internal/errors"
	"github.com/tidwall/gjson"
)

// Decode turns one inbound frame into an ActionMessage. It never panics.
// A non-nil error is always a *errors.NetworkError: the mapped server
// error when the envelope carries one, or a serialization error when
// the frame cannot be understood. Unknown actions are not errors.
func Decode(frame []byte) (ActionMessage, error) {
	if !gjson.ValidBytes(frame) {
		return ActionMessage{}, apperrors.New(apperrors.ErrSerialization, "invalid JSON", nil)
	}

	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return ActionMessage{}, apperrors.New(apperrors.ErrSerialization, "envelope is not an object", nil)
	}

	// An error short-circuits: data is not looked at.
	if e := root.Get("error"); e.Exists() && e.Type != gjson.Null {
		if !e.IsObject() {
			return ActionMessage{}, apperrors.New(apperrors.ErrSerialization, "error is not an object", nil)
		}

		return ActionMessage{}, apperrors.FromStatus(int(e.Get("status_code").Int()), e.Get("message").String())
	}

	action := root.Get("action")
	if action.Type != gjson.String || action.Str == "" {
		return ActionMessage{}, apperrors.New(apperrors.ErrSerialization, "missing action", nil)
	}

	data := root.Get("data")

	payload, err := decodePayload(action.Str, data)
	if err != nil {
		return ActionMessage{}, apperrors.New(apperrors.ErrSerialization,
			fmt.Sprintf("decoding %s payload", action.Str), err)
	}

	return ActionMessage{Action: action.Str, Payload: payload}, nil
}

func decodePayload(action string, data gjson.Result) (Payload, error) {
	switch action {
	case ActionChat:
		return unmarshalData[ChatReply](data)
	case ActionRecommendation:
		return unmarshalData[Recommendation](data)
	case ActionSelection:
		return unmarshalData[Selection](data)
	case ActionSpeech:
		return unmarshalData[SpeechRef](data)
	case ActionSession:
		return unmarshalData[SessionUpdate](data)
	default:
		return Unknown{}, nil
	}
}

// unmarshalData decodes data into T. Absent or null data yields the zero
// value so a known action with an empty body still routes.
func unmarshalData[T Payload](data gjson.Result) (Payload, error) {
	var v T
	if !data.Exists() || data.Type == gjson.Null {
		return v, nil
	}

	if err := json.Unmarshal([]byte(data.Raw), &v); err != nil {
		return nil, err
	}

	return v, nil
}

// Encode builds an outbound frame. Marshal errors mean the payload type
// is not serializable, which is a programming error.
func Encode(action string, payload any) ([]byte, error) {
	data, err := json.Marshal(outboundEnvelope{Action: action, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", action, err)
	}

	return data, nil
}

// EncodeRaw builds an outbound frame from an already serialized payload,
// as stored in the outbound queue.
func EncodeRaw(action string, payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	return Encode(action, payload)
}
