package signaling

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// The stored document shape is interop surface shared with other deployments
// reading the same database; pin the field names.
func TestMongoDocumentShape(t *testing.T) {
	rec := CallRecord{
		ID:        "call-1",
		Offer:     testOffer(),
		CreatedBy: "peer-a",
		CreatedAt: time.Now().UTC(),
	}
	data, err := bson.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	var doc bson.M
	if err := bson.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	for _, key := range []string{"_id", "offer", "created_by", "created_at"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("record document missing %q", key)
		}
	}
	if _, ok := doc["answer"]; ok {
		t.Error("unanswered record must omit the answer field")
	}

	cand := candidateDoc{
		CallID:    "call-1",
		Role:      RoleCaller,
		Payload:   string(candidatePayload(1)),
		CreatedAt: time.Now().UTC(),
	}
	data, err = bson.Marshal(cand)
	if err != nil {
		t.Fatalf("marshal candidate: %v", err)
	}
	doc = bson.M{}
	if err := bson.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal candidate: %v", err)
	}
	for _, key := range []string{"call_id", "role", "payload", "created_at"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("candidate document missing %q", key)
		}
	}
	if _, ok := doc["_id"]; ok {
		t.Error("unsaved candidate must leave _id to the driver")
	}
	if got := doc["payload"]; got != string(candidatePayload(1)) {
		t.Errorf("payload stored as %v, want verbatim JSON string", got)
	}
}
