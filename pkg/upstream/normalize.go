package upstream

import (
	"encoding/json"
	"strings"
	"time"
)

// Lifecycle is the canonical run state of an instance.
type Lifecycle string

const (
	LifecycleUnknown  Lifecycle = "unknown"
	LifecycleBuilding Lifecycle = "building"
	LifecycleRunning  Lifecycle = "running"
	LifecycleStopped  Lifecycle = "stopped"
	LifecyclePaused   Lifecycle = "paused"
	LifecycleError    Lifecycle = "error"
)

// Visibility is whether an instance is publicly listed.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Instance is the canonical record for one hosted instance. Every field has
// a defined zero or default value after normalization.
type Instance struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	AccountID      string     `json:"account_id"`
	LifecycleState Lifecycle  `json:"lifecycle_state"`
	HardwareTier   string     `json:"hardware_tier"`
	SDKVersion     string     `json:"sdk_version"`
	URL            string     `json:"url"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Description    string     `json:"description"`
	Tags           []string   `json:"tags"`
	Visibility     Visibility `json:"visibility"`
}

// Sample is one point-in-time resource reading for an instance.
type Sample struct {
	InstanceID       string    `json:"instance_id"`
	CPUFraction      float64   `json:"cpu_fraction"`
	MemoryBytes      int64     `json:"memory_bytes"`
	NetTxBytesPerSec float64   `json:"net_tx_bytes_per_sec"`
	NetRxBytesPerSec float64   `json:"net_rx_bytes_per_sec"`
	SampledAt        time.Time `json:"sampled_at"`
}

// ZeroSample is the all-zero reading emitted when an instance has no runtime.
func ZeroSample(id string, at time.Time) Sample {
	return Sample{InstanceID: id, SampledAt: at}
}

// hardwareField accepts either a bare tier name or the platform's
// {"current": ..., "requested": ...} object.
type hardwareField struct {
	Current   string `json:"current"`
	Requested string `json:"requested"`
}

func (h *hardwareField) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		h.Current = s
		return nil
	}
	type plain hardwareField
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		// Unknown shape: leave empty rather than reject the record.
		return nil
	}
	*h = hardwareField(p)
	return nil
}

func (h hardwareField) tier() string {
	if h.Current != "" {
		return h.Current
	}
	return h.Requested
}

// rawInstance covers the field spellings seen across API versions.
type rawInstance struct {
	ID     string `json:"id"`
	RepoID string `json:"repo_id"`
	Name   string `json:"name"`
	Author string `json:"author"`
	// Older listings use username instead of author.
	Username string `json:"username"`

	Runtime struct {
		Stage    string        `json:"stage"`
		Hardware hardwareField `json:"hardware"`
	} `json:"runtime"`
	Stage    string        `json:"stage"`
	Status   string        `json:"status"`
	Hardware hardwareField `json:"hardware"`

	SDK        string `json:"sdk"`
	SDKVersion string `json:"sdk_version"`
	Host       string `json:"host"`

	CreatedAt         string `json:"createdAt"`
	CreatedAtSnake    string `json:"created_at"`
	LastModified      string `json:"lastModified"`
	LastModifiedSnake string `json:"last_modified"`
	UpdatedAt         string `json:"updated_at"`

	Description string `json:"description"`
	CardData    struct {
		Title            string `json:"title"`
		ShortDescription string `json:"short_description"`
		SDK              string `json:"sdk"`
		SDKVersion       string `json:"sdk_version"`
	} `json:"cardData"`

	Tags    []string `json:"tags"`
	Private bool     `json:"private"`
}

// normalizeInstances decodes an upstream listing. Records that cannot be
// decoded or carry no usable id are skipped and counted.
func normalizeInstances(body []byte) ([]Instance, int, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, 0, err
	}

	out := make([]Instance, 0, len(raws))
	skipped := 0
	for _, data := range raws {
		var raw rawInstance
		if err := json.Unmarshal(data, &raw); err != nil {
			skipped++
			continue
		}
		inst, ok := normalizeInstance(raw)
		if !ok {
			skipped++
			continue
		}
		out = append(out, inst)
	}
	return out, skipped, nil
}

func normalizeInstance(raw rawInstance) (Instance, bool) {
	id := firstNonEmpty(raw.ID, raw.RepoID)
	account, name, hasSlash := strings.Cut(id, "/")
	if !hasSlash {
		account = firstNonEmpty(raw.Author, raw.Username)
		name = firstNonEmpty(raw.Name, id)
	}
	account = strings.TrimSpace(account)
	name = strings.TrimSpace(name)
	if account == "" || name == "" {
		return Instance{}, false
	}
	id = account + "/" + name

	inst := Instance{
		ID:             id,
		Name:           name,
		AccountID:      account,
		LifecycleState: ParseLifecycle(firstNonEmpty(raw.Runtime.Stage, raw.Stage, raw.Status)),
		HardwareTier:   firstNonEmpty(raw.Runtime.Hardware.tier(), raw.Hardware.tier()),
		SDKVersion:     sdkVersion(raw),
		URL:            firstNonEmpty(hostURL(raw.Host), spacesWebURL+id),
		CreatedAt:      parseTime(raw.CreatedAt, raw.CreatedAtSnake),
		UpdatedAt:      parseTime(raw.LastModified, raw.LastModifiedSnake, raw.UpdatedAt),
		Description:    firstNonEmpty(raw.CardData.ShortDescription, raw.Description, raw.CardData.Title),
		Tags:           cleanTags(raw.Tags),
		Visibility:     VisibilityPublic,
	}
	if raw.Private {
		inst.Visibility = VisibilityPrivate
	}
	return inst, true
}

// ParseLifecycle maps an upstream stage string onto the canonical states.
func ParseLifecycle(stage string) Lifecycle {
	switch strings.ToUpper(strings.TrimSpace(stage)) {
	case "RUNNING", "RUNNING_BUILDING", "RUNNING_APP_STARTING":
		return LifecycleRunning
	case "BUILDING", "APP_STARTING", "STARTING":
		return LifecycleBuilding
	case "STOPPED", "SLEEPING":
		return LifecycleStopped
	case "PAUSED":
		return LifecyclePaused
	case "BUILD_ERROR", "RUNTIME_ERROR", "CONFIG_ERROR", "NO_APP_FILE", "ERROR":
		return LifecycleError
	default:
		return LifecycleUnknown
	}
}

func sdkVersion(raw rawInstance) string {
	sdk := firstNonEmpty(raw.SDK, raw.CardData.SDK)
	version := firstNonEmpty(raw.SDKVersion, raw.CardData.SDKVersion)
	switch {
	case sdk != "" && version != "":
		return sdk + " " + version
	case version != "":
		return version
	default:
		return sdk
	}
}

func hostURL(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "https://" + host
}

func parseTime(candidates ...string) time.Time {
	for _, s := range candidates {
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// rawMetrics covers the metric spellings the runtime endpoint has used.
type rawMetrics struct {
	CPU        *float64 `json:"cpu"`
	CPUUsage   *float64 `json:"cpu_usage"`
	CPUPercent *float64 `json:"cpu_percent"`

	Memory      *float64 `json:"memory"`
	MemoryUsage *float64 `json:"memory_usage"`
	MemoryBytes *float64 `json:"memory_bytes"`

	NetUp   *float64 `json:"net_up"`
	NetTx   *float64 `json:"net_tx"`
	NetDown *float64 `json:"net_down"`
	NetRx   *float64 `json:"net_rx"`
}

// normalizeSample converts a runtime metrics body into a Sample. CPU values
// above 1 are treated as percentages.
func normalizeSample(id string, body []byte, at time.Time) (Sample, error) {
	var raw rawMetrics
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			return Sample{}, err
		}
	}

	s := ZeroSample(id, at)

	switch {
	case raw.CPUPercent != nil:
		s.CPUFraction = *raw.CPUPercent / 100
	case raw.CPU != nil:
		s.CPUFraction = *raw.CPU
	case raw.CPUUsage != nil:
		s.CPUFraction = *raw.CPUUsage
	}
	if s.CPUFraction > 1 {
		s.CPUFraction /= 100
	}
	s.CPUFraction = clamp(s.CPUFraction, 0, 1)

	s.MemoryBytes = int64(nonNegative(firstValue(raw.MemoryBytes, raw.Memory, raw.MemoryUsage)))
	s.NetTxBytesPerSec = nonNegative(firstValue(raw.NetUp, raw.NetTx))
	s.NetRxBytesPerSec = nonNegative(firstValue(raw.NetDown, raw.NetRx))
	return s, nil
}

func firstValue(values ...*float64) float64 {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}

func nonNegative(v float64) float64 {
	return max(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}
