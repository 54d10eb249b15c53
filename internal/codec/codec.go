// ============================================================================
// Distributed Task Queue — Job Codec
// ============================================================================
//
// Package: internal/codec
// Purpose: Serialize and deserialize queue.Job records for storage as hash
// field values, using the job's encoding/json struct tags directly.
//
// Kept as its own package, rather than inlined into internal/store or
// internal/broker, so the wire format can be tested and reasoned about
// independently of both.
//
// ============================================================================

package codec

import (
	"encoding/json"
	"fmt"

	"github.com/Michyjones/distributed-task-queue/pkg/queue"
)

// Encode serializes a job to its stored byte form.
func Encode(job *queue.Job) ([]byte, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("codec: encode job %s: %w", job.ID, err)
	}
	return b, nil
}

// Decode deserializes a job from its stored byte form.
func Decode(data []byte) (*queue.Job, error) {
	var job queue.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("codec: decode job: %w", err)
	}
	return &job, nil
}
