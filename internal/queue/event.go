// Package queue receives object-created notifications from SQS and sends
// failed triggers to a dead-letter destination.
package queue

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"tenant-ingest/internal/domain"
)

// s3Event is the S3 event notification envelope.
type s3Event struct {
	Event   string `json:"Event"`
	Records []struct {
		EventSource string `json:"eventSource"`
		EventName   string `json:"eventName"`
		S3          struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// snsEnvelope wraps an S3 event delivered through SNS.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// DecodeMessage turns a queue message body into a trigger. It accepts S3
// event notifications, the same wrapped in an SNS envelope, and a plain
// domain.Trigger document. skip is true for S3 test events. A notification
// with other than exactly one record is a *domain.ValidationError.
func DecodeMessage(body []byte) (trig domain.Trigger, skip bool, err error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return domain.Trigger{}, false, domain.ErrValidation("message is not a JSON object: %v", err)
	}

	if _, ok := probe["object"]; ok {
		if err := json.Unmarshal(body, &trig); err != nil {
			return domain.Trigger{}, false, domain.ErrValidation("decode trigger: %v", err)
		}
		if trig.Object.Bucket == "" || trig.Object.Key == "" {
			return domain.Trigger{}, false, domain.ErrValidation("trigger requires object.bucket and object.key")
		}
		trig.Payload = append(json.RawMessage(nil), body...)
		return trig, false, nil
	}

	if _, ok := probe["Message"]; ok {
		var env snsEnvelope
		if err := json.Unmarshal(body, &env); err == nil && env.Type == "Notification" {
			trig, skip, err := decodeS3Event([]byte(env.Message))
			trig.Payload = append(json.RawMessage(nil), body...)
			return trig, skip, err
		}
	}

	trig, skip, err = decodeS3Event(body)
	trig.Payload = append(json.RawMessage(nil), body...)
	return trig, skip, err
}

func decodeS3Event(body []byte) (domain.Trigger, bool, error) {
	var ev s3Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return domain.Trigger{}, false, domain.ErrValidation("decode S3 event: %v", err)
	}
	if ev.Event == "s3:TestEvent" {
		return domain.Trigger{}, true, nil
	}
	if len(ev.Records) != 1 {
		return domain.Trigger{}, false, domain.ErrValidation("expected exactly one S3 record, got %d", len(ev.Records))
	}
	rec := ev.Records[0]
	if rec.EventName != "" && !strings.HasPrefix(rec.EventName, "ObjectCreated:") {
		return domain.Trigger{}, true, nil
	}
	key, err := url.QueryUnescape(rec.S3.Object.Key)
	if err != nil {
		return domain.Trigger{}, false, domain.ErrValidation("decode object key %q: %v", rec.S3.Object.Key, err)
	}
	if rec.S3.Bucket.Name == "" || key == "" {
		return domain.Trigger{}, false, domain.ErrValidation("S3 record without bucket or key")
	}
	return domain.Trigger{Object: domain.ObjectRef{Bucket: rec.S3.Bucket.Name, Key: key}}, false, nil
}

// EncodeTrigger renders a trigger in the plain document form DecodeMessage
// accepts.
func EncodeTrigger(trig domain.Trigger) ([]byte, error) {
	out := struct {
		Object domain.ObjectRef `json:"object"`
		Cursor *int64           `json:"cursor,omitempty"`
	}{trig.Object, trig.Cursor}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode trigger: %w", err)
	}
	return b, nil
}
