// Package logparser normalises Debian/RHEL/AIX syslog sshd lines and
// journald JSON records into model.AccessEvent/model.SudoEvent values
// (spec.md §4.2). It never executes a parsed line as anything other
// than data — no shell, no subprocess.
package logparser

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jsherman999/keyspider/internal/model"
)

// ErrParse is returned only for unrecoverable input (e.g. a reader
// error); malformed individual lines are skipped and counted, never
// surfaced as an error (spec.md §4.2, §7).
var ErrParse = errors.New("logparser: unrecoverable input")

// DefaultMaxLinesIncremental is LOG_MAX_LINES_INCREMENTAL (spec.md §6).
const DefaultMaxLinesIncremental = 50000

// Options configures a single parse pass over one file's contents.
type Options struct {
	// ReferenceTime seeds the year for syslog lines (which carry no
	// year) and anchors the rollover heuristic. Typically the file's
	// mtime, from an SFTP stat.
	ReferenceTime time.Time
	// Watermark, if non-zero, causes events at or before it to be
	// skipped (incremental scans, spec.md §3/§4.2).
	Watermark time.Time
	// MaxLines bounds how many trailing lines of input are considered,
	// mirroring LOG_MAX_LINES_INCREMENTAL/LOG_MAX_LINES_INITIAL. Zero
	// means unbounded.
	MaxLines int
	// TargetServerID is stamped onto every produced AccessEvent/SudoEvent.
	TargetServerID int64
	// LogSource labels where these events came from, e.g. "syslog",
	// "journald", "agent".
	LogSource string
}

// Result is the outcome of one Parse call.
type Result struct {
	Events        []model.AccessEvent
	SudoEvents    []model.SudoEvent
	LinesRead     int
	MalformedLines int
}

var syslogLineRE = regexp.MustCompile(
	`^(?P<ts>[A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(?P<host>\S+)\s+(?P<proc>[\w./-]+(?:\[\d+\])?)\s*:\s*(?P<msg>.*)$`,
)

var (
	acceptedRE = regexp.MustCompile(
		`^Accepted (?P<method>publickey|password|keyboard-interactive) for (?P<user>\S+) from (?P<ip>\S+) port (?P<port>\d+)(?: ssh2)?(?:: (?P<keytype>\S+) (?P<fp>\S+))?`)
	failedRE = regexp.MustCompile(
		`^Failed (?P<method>publickey|password|keyboard-interactive) for (?:invalid user )?(?P<user>\S+) from (?P<ip>\S+) port (?P<port>\d+)`)
	disconnectedUserRE = regexp.MustCompile(`^Disconnected from user (?P<user>\S+) (?P<ip>\S+)`)
	receivedDisconnectRE = regexp.MustCompile(`^Received disconnect from (?P<ip>\S+)`)
	sudoRE = regexp.MustCompile(
		`^\s*(?P<user>\S+)\s*:\s*TTY=(?P<tty>\S+)\s*;\s*PWD=(?P<pwd>\S+)\s*;\s*USER=(?P<target>\S+)\s*;\s*COMMAND=(?P<cmd>.*)$`)
)

type rawSyslogLine struct {
	month   time.Month
	day     int
	hour    int
	min     int
	sec     int
	proc    string
	msg     string
	rawLine string
}

// ParseLiveLine parses a single line as it arrives from a watcher's
// `tail -F`/`journalctl --follow` session. Unlike Parse, it has no
// file-order context to run the year-rollover heuristic against, so it
// anchors a year-less syslog timestamp at opts.ReferenceTime (or
// time.Now() if zero) directly — correct for a genuinely live tail,
// where the line's calendar date is always "now" or a few seconds
// behind it.
func ParseLiveLine(line string, opts Options) (*model.AccessEvent, *model.SudoEvent, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, nil, false
	}

	if looksLikeJournaldJSON(line) {
		ev, sudo, ok := parseJournaldLine(line, opts)
		return ev, sudo, ok
	}

	raw, ok := parseSyslogLine(line)
	if !ok {
		return nil, nil, false
	}
	ref := opts.ReferenceTime
	if ref.IsZero() {
		ref = time.Now().UTC()
	}
	ts := time.Date(ref.Year(), raw.month, raw.day, raw.hour, raw.min, raw.sec, 0, time.UTC)
	ev, sudo := classify(raw.proc, raw.msg, raw.rawLine, ts, opts)
	return ev, sudo, true
}

// Parse reads raw log text (syslog dialect lines and/or journald JSON
// lines, possibly intermixed across calls but not within a single
// well-formed file) and produces normalised events. Malformed lines
// are skipped and counted, never fatal.
func Parse(r io.Reader, opts Options) (*Result, error) {
	lines, err := readLines(r, opts.MaxLines)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	res := &Result{}
	var syslogLines []rawSyslogLine

	for _, line := range lines {
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		res.LinesRead++

		if looksLikeJournaldJSON(line) {
			ev, sudo, ok := parseJournaldLine(line, opts)
			if !ok {
				res.MalformedLines++
				continue
			}
			if ev != nil {
				res.Events = append(res.Events, *ev)
			}
			if sudo != nil {
				res.SudoEvents = append(res.SudoEvents, *sudo)
			}
			continue
		}

		raw, ok := parseSyslogLine(line)
		if !ok {
			res.MalformedLines++
			continue
		}
		syslogLines = append(syslogLines, raw)
	}

	if len(syslogLines) > 0 {
		years := resolveYears(syslogLines, opts.ReferenceTime)
		for i, raw := range syslogLines {
			ts := time.Date(years[i], raw.month, raw.day, raw.hour, raw.min, raw.sec, 0, time.UTC)
			ev, sudo := classify(raw.proc, raw.msg, raw.rawLine, ts, opts)
			if ev != nil {
				res.Events = append(res.Events, *ev)
			}
			if sudo != nil {
				res.SudoEvents = append(res.SudoEvents, *sudo)
			}
		}
	}

	return res, nil
}

func readLines(r io.Reader, maxLines int) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

func looksLikeJournaldJSON(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}")
}

func parseSyslogLine(line string) (rawSyslogLine, bool) {
	m := syslogLineRE.FindStringSubmatch(line)
	if m == nil {
		return rawSyslogLine{}, false
	}
	names := syslogLineRE.SubexpNames()
	fields := map[string]string{}
	for i, v := range m {
		if i == 0 || names[i] == "" {
			continue
		}
		fields[names[i]] = v
	}

	ts, err := time.Parse("Jan _2 15:04:05", fields["ts"])
	if err != nil {
		return rawSyslogLine{}, false
	}

	return rawSyslogLine{
		month:   ts.Month(),
		day:     ts.Day(),
		hour:    ts.Hour(),
		min:     ts.Minute(),
		sec:     ts.Second(),
		proc:    fields["proc"],
		msg:     fields["msg"],
		rawLine: line,
	}, true
}

// resolveYears assigns a year to each year-less syslog line by walking
// the lines in reverse (newest first), anchored at referenceTime
// (typically the file's mtime, i.e. close to the time of the last
// line). A large forward jump in day-of-year when stepping to an
// *older* line in the walk indicates that line actually belongs to the
// previous year — exactly the Dec 31 -> Jan 1 boundary spec.md §4.2
// describes, and the only case the 300-day threshold can trip on in a
// chronologically-ascending file.
func resolveYears(lines []rawSyslogLine, referenceTime time.Time) []int {
	years := make([]int, len(lines))
	currentYear := referenceTime.Year()
	prevDOY := dayOfYear(referenceTime.Month(), referenceTime.Day())

	for i := len(lines) - 1; i >= 0; i-- {
		doy := dayOfYear(lines[i].month, lines[i].day)
		if doy-prevDOY > 300 {
			currentYear--
		}
		years[i] = currentYear
		prevDOY = doy
	}
	return years
}

// dayOfYear returns a stable 1-366 ordinal for (month, day) against a
// fixed non-leap reference year, used only for relative comparisons.
func dayOfYear(month time.Month, day int) int {
	t := time.Date(2001, month, day, 0, 0, 0, 0, time.UTC)
	return t.YearDay()
}

func classify(proc, msg, rawLine string, ts time.Time, opts Options) (*model.AccessEvent, *model.SudoEvent) {
	if !opts.Watermark.IsZero() && !ts.After(opts.Watermark) {
		return nil, nil
	}

	if strings.Contains(proc, "sudo") {
		if m := sudoRE.FindStringSubmatch(msg); m != nil {
			names := sudoRE.SubexpNames()
			f := namedGroups(names, m)
			return nil, &model.SudoEvent{
				ServerID:   opts.TargetServerID,
				Username:   f["user"],
				TTY:        f["tty"],
				PWD:        f["pwd"],
				TargetUser: f["target"],
				Command:    f["cmd"],
				EventTime:  ts,
				RawLogLine: rawLine,
			}
		}
		return nil, nil
	}

	if !strings.Contains(proc, "sshd") {
		return nil, nil
	}

	if m := acceptedRE.FindStringSubmatch(msg); m != nil {
		f := namedGroups(acceptedRE.SubexpNames(), m)
		method := model.AuthPassword
		if f["method"] == "publickey" {
			method = model.AuthPublicKey
		}
		return &model.AccessEvent{
			TargetServerID: opts.TargetServerID,
			SourceIP:       f["ip"],
			Fingerprint:    f["fp"],
			Username:       f["user"],
			AuthMethod:     method,
			EventType:      model.EventAccepted,
			EventTime:      ts,
			RawLogLine:     rawLine,
			LogSource:      opts.LogSource,
		}, nil
	}

	if m := failedRE.FindStringSubmatch(msg); m != nil {
		f := namedGroups(failedRE.SubexpNames(), m)
		method := model.AuthPassword
		if f["method"] == "publickey" {
			method = model.AuthPublicKey
		}
		return &model.AccessEvent{
			TargetServerID: opts.TargetServerID,
			SourceIP:       f["ip"],
			Username:       f["user"],
			AuthMethod:     method,
			EventType:      model.EventFailed,
			EventTime:      ts,
			RawLogLine:     rawLine,
			LogSource:      opts.LogSource,
		}, nil
	}

	if m := disconnectedUserRE.FindStringSubmatch(msg); m != nil {
		f := namedGroups(disconnectedUserRE.SubexpNames(), m)
		return &model.AccessEvent{
			TargetServerID: opts.TargetServerID,
			SourceIP:       f["ip"],
			Username:       f["user"],
			AuthMethod:     model.AuthUnknown,
			EventType:      model.EventDisconnect,
			EventTime:      ts,
			RawLogLine:     rawLine,
			LogSource:      opts.LogSource,
		}, nil
	}

	if m := receivedDisconnectRE.FindStringSubmatch(msg); m != nil {
		f := namedGroups(receivedDisconnectRE.SubexpNames(), m)
		return &model.AccessEvent{
			TargetServerID: opts.TargetServerID,
			SourceIP:       f["ip"],
			AuthMethod:     model.AuthUnknown,
			EventType:      model.EventDisconnect,
			EventTime:      ts,
			RawLogLine:     rawLine,
			LogSource:      opts.LogSource,
		}, nil
	}

	return nil, nil
}

func namedGroups(names, m []string) map[string]string {
	out := make(map[string]string, len(names))
	for i, v := range m {
		if i == 0 || names[i] == "" {
			continue
		}
		out[names[i]] = v
	}
	return out
}

// journaldRecord is the subset of `journalctl --output=json` fields the
// parser needs.
type journaldRecord struct {
	RealtimeTimestamp string `json:"__REALTIME_TIMESTAMP"`
	Message           string `json:"MESSAGE"`
	SyslogIdentifier  string `json:"SYSLOG_IDENTIFIER"`
	Comm              string `json:"_COMM"`
}

func parseJournaldLine(line string, opts Options) (*model.AccessEvent, *model.SudoEvent, bool) {
	var rec journaldRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return nil, nil, false
	}
	micros, err := strconv.ParseInt(rec.RealtimeTimestamp, 10, 64)
	if err != nil {
		return nil, nil, false
	}
	ts := time.UnixMicro(micros).UTC()

	proc := rec.SyslogIdentifier
	if proc == "" {
		proc = rec.Comm
	}

	ev, sudo := classify(proc, rec.Message, line, ts, opts)
	return ev, sudo, true
}
