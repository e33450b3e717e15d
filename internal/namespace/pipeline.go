package namespace

import "context"

// PipelineStatusNamespace is the namespace shared by the scanning pipeline of
// every worker in a deployment.
const PipelineStatusNamespace = "pipeline_status"

// Pipeline status record keys.
const (
	KeyBusy            = "busy"
	KeyAutoscanned     = "autoscanned"
	KeyJobName         = "job_name"
	KeyJobStart        = "job_start"
	KeyDocs            = "docs"
	KeyBatchs          = "batchs"
	KeyCurBatch        = "cur_batch"
	KeyRequestPending  = "request_pending"
	KeyLatestMessage   = "latest_message"
	KeyHistoryMessages = "history_messages"
	KeyScanError       = "scan_error"
)

const maxHistoryMessages = 1000

// PipelineStatusDefaults is the record a fresh deployment starts with.
func PipelineStatusDefaults() Record {
	return Record{
		KeyBusy:            false,
		KeyAutoscanned:     false,
		KeyJobName:         "Default Job",
		KeyJobStart:        nil,
		KeyDocs:            0,
		KeyBatchs:          0,
		KeyCurBatch:        0,
		KeyRequestPending:  false,
		KeyLatestMessage:   "",
		KeyHistoryMessages: []any{},
	}
}

// InitializePipelineStatus creates the pipeline status namespace if needed.
func InitializePipelineStatus(ctx context.Context, s Store) error {
	return s.Initialize(ctx, PipelineStatusNamespace, PipelineStatusDefaults())
}

// Bool reads a boolean field, treating anything else as false.
func (r Record) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// String reads a string field, treating anything else as empty.
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Int reads a numeric field. JSON-backed stores return float64.
func (r Record) Int(key string) int {
	switch n := r[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// AppendMessage sets latest_message and appends it to the bounded history.
func (r Record) AppendMessage(msg string) {
	r[KeyLatestMessage] = msg
	history, _ := r[KeyHistoryMessages].([]any)
	history = append(history, msg)
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	r[KeyHistoryMessages] = history
}
