package journal

import (
	"bufio"
	"bytes"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const headerRecord = "journal"

// header is the first line of an encoded journal.
type header struct {
	Record     string    `json:"record"`
	RunID      string    `json:"run_id"`
	EntryPoint string    `json:"entry_point"`
	StartedAt  time.Time `json:"started_at"`
	Dropped    int       `json:"dropped"`
}

// probe reads just enough of a line to tell headers from steps.
type probe struct {
	Record string `json:"record"`
}

// Encode renders a journal as newline-delimited JSON: one header line, then
// one line per step. A step that cannot be marshalled is dropped and counted
// in the header; Encode only fails if the header itself cannot be written.
func Encode(j *schemas.ActionJournal) ([]byte, error) {
	if j == nil {
		return nil, fmt.Errorf("journal: cannot encode a nil journal")
	}

	var body bytes.Buffer
	dropped := j.Dropped
	for i := range j.Steps {
		line, err := json.Marshal(&j.Steps[i])
		if err != nil {
			dropped++
			continue
		}
		body.Write(line)
		body.WriteByte('\n')
	}

	head, err := json.Marshal(header{
		Record:     headerRecord,
		RunID:      j.RunID,
		EntryPoint: j.EntryPoint,
		StartedAt:  j.StartedAt,
		Dropped:    dropped,
	})
	if err != nil {
		return nil, fmt.Errorf("journal: encode header: %w", err)
	}

	out := make([]byte, 0, len(head)+1+body.Len())
	out = append(out, head...)
	out = append(out, '\n')
	return append(out, body.Bytes()...), nil
}

// Decode parses an encoded journal. Blank lines are ignored and corrupted
// lines are skipped and counted in Dropped. Integral metadata numbers decode
// as int. Unknown step kinds and unknown
// fields are preserved or ignored respectively. An input without a header
// still yields the steps it contains.
func Decode(data []byte) (*schemas.ActionJournal, error) {
	j := &schemas.ActionJournal{Steps: []schemas.ActionStep{}}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		step, head, err := decodeLine(line)
		switch {
		case err != nil:
			j.Dropped++
		case head != nil:
			j.RunID = head.RunID
			j.EntryPoint = head.EntryPoint
			j.StartedAt = head.StartedAt
			j.Dropped += head.Dropped
		default:
			j.Steps = append(j.Steps, *step)
		}
	}
	if err := sc.Err(); err != nil {
		return j, fmt.Errorf("journal: read: %w", err)
	}
	return j, nil
}

// decodeLine returns either a step or a header for one line.
func decodeLine(line []byte) (*schemas.ActionStep, *header, error) {
	var p probe
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, nil, err
	}
	if p.Record == headerRecord {
		var h header
		if err := json.Unmarshal(line, &h); err != nil {
			return nil, nil, err
		}
		return nil, &h, nil
	}

	var step schemas.ActionStep
	if err := numberJSON.Unmarshal(line, &step); err != nil {
		return nil, nil, err
	}
	step.Metadata = canonicalMap(step.Metadata)
	if step.Kind == "" {
		return nil, nil, fmt.Errorf("journal: step without kind")
	}
	return &step, nil, nil
}
