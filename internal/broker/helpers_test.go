package broker

import (
	"encoding/json"
	"errors"
	"testing"
)

func mustUnmarshal(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}

func as(err error, target interface{}) bool {
	return errors.As(err, target)
}
