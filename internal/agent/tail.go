package agent

import (
	"bufio"
	"log"
	"os"

	"github.com/jsherman999/keyspider/internal/agentwire"
	"github.com/jsherman999/keyspider/internal/logparser"
	"github.com/jsherman999/keyspider/internal/model"
)

// fileTailer tracks a byte offset per local log path across poll
// cycles, the local-filesystem equivalent of the watcher's SSH-tailed
// Session.lastOffset/lastSize.
type fileTailer struct {
	offsets map[string]int64
	sizes   map[string]int64
}

func newFileTailer() *fileTailer {
	return &fileTailer{offsets: make(map[string]int64), sizes: make(map[string]int64)}
}

// poll reads whatever is new in path since the last call, classifying
// each line through logparser.ParseLiveLine. A shrunk file is treated
// as rotated and re-read from the start.
func (t *fileTailer) poll(path string) ([]model.AccessEvent, []model.SudoEvent) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil
	}
	size := info.Size()

	offset := t.offsets[path]
	if size < t.sizes[path] {
		log.Printf("[agent] %s rotated, restarting tail from beginning", path)
		offset = 0
	}
	t.sizes[path] = size
	if offset >= size {
		t.offsets[path] = offset
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, nil
	}

	var events []model.AccessEvent
	var sudoEvents []model.SudoEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	read := offset
	for scanner.Scan() {
		line := scanner.Text()
		read += int64(len(line)) + 1
		ev, sudo, ok := logparser.ParseLiveLine(line, logparser.Options{LogSource: "agent"})
		if !ok {
			continue
		}
		if ev != nil {
			events = append(events, *ev)
		}
		if sudo != nil {
			sudoEvents = append(sudoEvents, *sudo)
		}
	}
	t.offsets[path] = read

	return events, sudoEvents
}

func toWireEvents(events []model.AccessEvent) []agentwire.AccessEvent {
	out := make([]agentwire.AccessEvent, 0, len(events))
	for _, e := range events {
		out = append(out, agentwire.AccessEvent{
			SourceIP:    e.SourceIP,
			Fingerprint: e.Fingerprint,
			Username:    e.Username,
			AuthMethod:  string(e.AuthMethod),
			EventType:   string(e.EventType),
			EventTime:   e.EventTime,
			RawLogLine:  e.RawLogLine,
			LogSource:   e.LogSource,
		})
	}
	return out
}

func toWireSudoEvents(events []model.SudoEvent) []agentwire.SudoEvent {
	out := make([]agentwire.SudoEvent, 0, len(events))
	for _, e := range events {
		out = append(out, agentwire.SudoEvent{
			Username:   e.Username,
			TTY:        e.TTY,
			PWD:        e.PWD,
			TargetUser: e.TargetUser,
			Command:    e.Command,
			EventTime:  e.EventTime,
			RawLogLine: e.RawLogLine,
		})
	}
	return out
}
