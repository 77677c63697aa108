package supervisor

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ByteSize is a memory figure in both display and raw form.
type ByteSize struct {
	Human string `json:"human"`
	Bytes uint64 `json:"bytes"`
}

// CPUTime is accumulated CPU time in both display and raw form.
type CPUTime struct {
	Human string `json:"human"`
	Nanos int64  `json:"nanoseconds"`
}

// Process is one member of a service's process tree.
type Process struct {
	PID     int    `json:"pid"`
	Command string `json:"command"`
}

// Details holds every field the supervisor output may provide. Each
// field is nil or empty when the output did not contain it.
type Details struct {
	Unit             string     `json:"unit,omitempty"`
	Description      string     `json:"description,omitempty"`
	ActiveState      string     `json:"activeState,omitempty"`
	SubState         string     `json:"subState,omitempty"`
	UnitFileState    string     `json:"unitFileState,omitempty"`
	FragmentPath     string     `json:"fragmentPath,omitempty"`
	WorkingDirectory string     `json:"workingDirectory,omitempty"`
	ExecStart        string     `json:"execStart,omitempty"`
	Since            *time.Time `json:"since,omitempty"`
	MainPID          *int       `json:"mainPid,omitempty"`
	MainCommand      string     `json:"mainCommand,omitempty"`
	Tasks            *int       `json:"tasks,omitempty"`
	TasksLimit       *int       `json:"tasksLimit,omitempty"`
	Memory           *ByteSize  `json:"memory,omitempty"`
	MemoryPeak       *ByteSize  `json:"memoryPeak,omitempty"`
	CPU              *CPUTime   `json:"cpu,omitempty"`
	Processes        []Process  `json:"processes,omitempty"`
}

// Merge fills fields of d that are empty with values from o.
func (d *Details) Merge(o Details) {
	setString(&d.Unit, o.Unit)
	setString(&d.Description, o.Description)
	setString(&d.ActiveState, o.ActiveState)
	setString(&d.SubState, o.SubState)
	setString(&d.UnitFileState, o.UnitFileState)
	setString(&d.FragmentPath, o.FragmentPath)
	setString(&d.WorkingDirectory, o.WorkingDirectory)
	setString(&d.ExecStart, o.ExecStart)
	setString(&d.MainCommand, o.MainCommand)
	if d.Since == nil {
		d.Since = o.Since
	}
	if d.MainPID == nil {
		d.MainPID = o.MainPID
	}
	if d.Tasks == nil {
		d.Tasks = o.Tasks
	}
	if d.TasksLimit == nil {
		d.TasksLimit = o.TasksLimit
	}
	if d.Memory == nil {
		d.Memory = o.Memory
	}
	if d.MemoryPeak == nil {
		d.MemoryPeak = o.MemoryPeak
	}
	if d.CPU == nil {
		d.CPU = o.CPU
	}
	if len(d.Processes) == 0 {
		d.Processes = o.Processes
	}
}

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// ShowProperties are requested from `systemctl show`.
var ShowProperties = []string{
	"Id", "Description", "ActiveState", "SubState", "UnitFileState",
	"FragmentPath", "WorkingDirectory", "ExecStart", "MainPID",
	"ActiveEnterTimestamp", "TasksCurrent", "TasksMax",
	"MemoryCurrent", "MemoryPeak", "CPUUsageNSec",
}

const showTimeLayout = "Mon 2006-01-02 15:04:05 MST"

// ParseShow parses `systemctl show` key=value output. Unknown keys and
// malformed lines are ignored.
func ParseShow(output string) Details {
	props := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok || key == "" {
			continue
		}
		props[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	var d Details
	d.Unit = props["Id"]
	d.Description = props["Description"]
	d.ActiveState = props["ActiveState"]
	d.SubState = props["SubState"]
	d.UnitFileState = props["UnitFileState"]
	d.FragmentPath = props["FragmentPath"]
	d.WorkingDirectory = props["WorkingDirectory"]
	d.ExecStart = parseExecArgv(props["ExecStart"])

	if pid, ok := parseUnset(props["MainPID"]); ok && pid > 0 {
		p := int(pid)
		d.MainPID = &p
	}
	if ts := props["ActiveEnterTimestamp"]; ts != "" {
		if t, err := time.Parse(showTimeLayout, ts); err == nil {
			d.Since = &t
		}
	}
	if n, ok := parseUnset(props["TasksCurrent"]); ok {
		v := int(n)
		d.Tasks = &v
	}
	if n, ok := parseUnset(props["TasksMax"]); ok {
		v := int(n)
		d.TasksLimit = &v
	}
	if n, ok := parseUnset(props["MemoryCurrent"]); ok {
		d.Memory = bytesFromRaw(n)
	}
	if n, ok := parseUnset(props["MemoryPeak"]); ok {
		d.MemoryPeak = bytesFromRaw(n)
	}
	if n, ok := parseUnset(props["CPUUsageNSec"]); ok {
		d.CPU = cpuFromNanos(int64(n))
	}

	return d
}

// parseUnset parses a numeric property, treating "[not set]", "infinity"
// and the all-ones sentinel as absent.
func parseUnset(v string) (uint64, bool) {
	if v == "" || v == "[not set]" || v == "infinity" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == ^uint64(0) {
		return 0, false
	}
	return n, true
}

var argvPattern = regexp.MustCompile(`argv\[\]=([^;]*)`)

// parseExecArgv extracts the command line from an ExecStart property such
// as "{ path=/usr/bin/env ; argv[]=/usr/bin/env node index.js ; ... }".
func parseExecArgv(v string) string {
	if m := argvPattern.FindStringSubmatch(v); m != nil {
		return strings.TrimSpace(m[1])
	}
	return v
}

var (
	loadedPattern = regexp.MustCompile(`^\s*Loaded:\s+\S+\s+\(([^;)]+)(?:;\s*([a-z-]+))?`)
	activePattern = regexp.MustCompile(`^\s*Active:\s+(\S+)(?:\s+\(([^)]+)\))?(?:\s+since\s+([^;]+))?`)
	mainPIDRe     = regexp.MustCompile(`^\s*Main PID:\s+(\d+)(?:\s+\((.+)\))?`)
	tasksPattern  = regexp.MustCompile(`^\s*Tasks:\s+(\d+)(?:\s+\(limit:\s+(\d+)\))?`)
	memoryPattern = regexp.MustCompile(`^\s*Memory:\s+(\S+)(?:\s+\(.*?peak:\s+([^,)\s]+))?`)
	cpuPattern    = regexp.MustCompile(`^\s*CPU:\s+(.+)$`)
	cgroupPattern = regexp.MustCompile(`^\s*CGroup:\s+`)
	processRe     = regexp.MustCompile(`^[\s│├└─|` + "`" + `-]*(\d+)\s+(.+)$`)
	headerPattern = regexp.MustCompile(`^\S*\s*(\S+\.service)\s+-\s+(.+)$`)
)

// ParseStatus parses the human-readable `systemctl status` output. It
// never fails; lines it does not recognize are skipped.
func ParseStatus(output string) Details {
	var d Details
	inCGroup := false

	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			// journal lines follow the first blank line
			if inCGroup || d.ActiveState != "" {
				break
			}
			continue
		}

		if inCGroup {
			if m := processRe.FindStringSubmatch(line); m != nil {
				if pid, err := strconv.Atoi(m[1]); err == nil {
					d.Processes = append(d.Processes, Process{PID: pid, Command: strings.TrimSpace(m[2])})
					continue
				}
			}
			inCGroup = false
		}

		switch {
		case d.Unit == "" && headerPattern.MatchString(line):
			m := headerPattern.FindStringSubmatch(line)
			d.Unit, d.Description = m[1], strings.TrimSpace(m[2])
		case loadedPattern.MatchString(line):
			m := loadedPattern.FindStringSubmatch(line)
			if strings.HasPrefix(m[1], "/") {
				d.FragmentPath = m[1]
			}
			d.UnitFileState = m[2]
		case activePattern.MatchString(line):
			m := activePattern.FindStringSubmatch(line)
			d.ActiveState, d.SubState = m[1], m[2]
			if m[3] != "" {
				if t, err := time.Parse(showTimeLayout, strings.TrimSpace(m[3])); err == nil {
					d.Since = &t
				}
			}
		case mainPIDRe.MatchString(line):
			m := mainPIDRe.FindStringSubmatch(line)
			if pid, err := strconv.Atoi(m[1]); err == nil {
				d.MainPID = &pid
			}
			d.MainCommand = m[2]
		case tasksPattern.MatchString(line):
			m := tasksPattern.FindStringSubmatch(line)
			if n, err := strconv.Atoi(m[1]); err == nil {
				d.Tasks = &n
			}
			if n, err := strconv.Atoi(m[2]); err == nil {
				d.TasksLimit = &n
			}
		case memoryPattern.MatchString(line):
			m := memoryPattern.FindStringSubmatch(line)
			d.Memory = bytesFromHuman(m[1])
			if m[2] != "" {
				d.MemoryPeak = bytesFromHuman(m[2])
			}
		case cpuPattern.MatchString(line):
			m := cpuPattern.FindStringSubmatch(line)
			if ns, ok := ParseTimespan(m[1]); ok {
				d.CPU = &CPUTime{Human: strings.TrimSpace(m[1]), Nanos: ns}
			}
		case cgroupPattern.MatchString(line):
			inCGroup = true
		}
	}

	return d
}

func bytesFromRaw(n uint64) *ByteSize {
	return &ByteSize{Human: humanize.IBytes(n), Bytes: n}
}

// bytesFromHuman parses systemd sizes like "45.2M" or "512K", which are
// base 1024.
func bytesFromHuman(s string) *ByteSize {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	in := s
	switch last := s[len(s)-1]; {
	case last == 'B':
	case last >= '0' && last <= '9':
		in += "B"
	default:
		in += "iB"
	}
	n, err := humanize.ParseBytes(in)
	if err != nil {
		return nil
	}
	return &ByteSize{Human: s, Bytes: n}
}

func cpuFromNanos(ns int64) *CPUTime {
	return &CPUTime{Human: time.Duration(ns).String(), Nanos: ns}
}

var timespanUnits = []struct {
	suffix string
	d      time.Duration
}{
	// longest suffixes first so "ms" and "min" win over "m" and "s"
	{"month", 30*24*time.Hour + 10*time.Hour + 30*time.Minute},
	{"min", time.Minute},
	{"ms", time.Millisecond},
	{"us", time.Microsecond},
	{"µs", time.Microsecond},
	{"ns", time.Nanosecond},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
	{"w", 7 * 24 * time.Hour},
	{"y", 365*24*time.Hour + 6*time.Hour},
	{"s", time.Second},
}

// ParseTimespan parses systemd time spans such as "1.234s", "2min 3.5s"
// or "1h 2min", returning nanoseconds.
func ParseTimespan(s string) (int64, bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, false
	}

	var total float64
	for _, f := range fields {
		matched := false
		for _, u := range timespanUnits {
			num, ok := strings.CutSuffix(f, u.suffix)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(num, 64)
			if err != nil {
				continue
			}
			total += v * float64(u.d)
			matched = true
			break
		}
		if !matched {
			return 0, false
		}
	}
	return int64(total), true
}
