package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger is the process-wide sink for structured output. Plain stdout with
// no prefix: one JSON object per line, nothing else.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest serializes one request entry onto the shared logger. Entries
// that cannot marshal are replaced, not dropped, so the line count still
// matches the request count.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"unloggable request entry"}`)
		return
	}
	Logger().Println(string(data))
}
