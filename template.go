package mqttsim

import (
	"bytes"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	argPlaceholder     = "%1"
	stampPlaceholder   = "%2"
	utcPlaceholder     = "%utc%"
	valuePlaceholder   = "%random%"
	latencyPlaceholder = "%latency%"

	latencyProbePrefix = "latency_probe="
	randomStringLength = 12
)

// randomString returns 12 alphanumeric characters.
func randomString() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:randomStringLength]
}

// topicTemplate resolves "%1" to a rotating number.
type topicTemplate struct {
	raw      string
	rotating bool
}

func compileTopic(raw string) topicTemplate {
	return topicTemplate{raw: raw, rotating: strings.Contains(raw, argPlaceholder)}
}

func (t topicTemplate) render(numbers *ClientNumberPool) string {
	if !t.rotating {
		return t.raw
	}
	return strings.ReplaceAll(t.raw, argPlaceholder, strconv.FormatUint(numbers.Next(), 10))
}

// credentialTemplate resolves "%1" to a fresh random string.
type credentialTemplate struct {
	raw    string
	random bool
}

func compileCredential(raw string) credentialTemplate {
	return credentialTemplate{raw: raw, random: strings.Contains(raw, argPlaceholder)}
}

func (t credentialTemplate) render() string {
	if !t.random {
		return t.raw
	}
	return strings.ReplaceAll(t.raw, argPlaceholder, randomString())
}

type payloadKind uint8

const (
	payloadUTC payloadKind = 1 << iota
	payloadValue
	payloadLatency
	payloadPositional
)

type payloadTemplate struct {
	raw     string
	kinds   payloadKind
	ceiling int
}

func compilePayload(raw string, ceiling int) payloadTemplate {
	t := payloadTemplate{raw: raw, ceiling: ceiling}
	if strings.Contains(raw, utcPlaceholder) {
		t.kinds |= payloadUTC
	}
	if strings.Contains(raw, valuePlaceholder) {
		t.kinds |= payloadValue
	}
	if strings.Contains(raw, latencyPlaceholder) {
		t.kinds |= payloadLatency
	}
	if t.kinds == 0 && (strings.Contains(raw, argPlaceholder) || strings.Contains(raw, stampPlaceholder)) {
		t.kinds = payloadPositional
	}
	if t.ceiling <= 0 {
		t.ceiling = 1
	}
	return t
}

func (t payloadTemplate) render(clientID string, counter uint64, now time.Time, rng *rand.Rand) []byte {
	if t.raw == "" {
		return []byte("Client " + clientID + " publish counter: " + strconv.FormatUint(counter, 10))
	}
	if t.kinds == 0 {
		return []byte(t.raw)
	}
	if t.kinds == payloadPositional {
		s := strings.ReplaceAll(t.raw, argPlaceholder, strconv.FormatUint(counter, 10))
		s = strings.ReplaceAll(s, stampPlaceholder, strconv.FormatInt(now.UnixMilli(), 10))
		return []byte(s)
	}

	s := t.raw
	if t.kinds&payloadUTC != 0 {
		s = strings.ReplaceAll(s, utcPlaceholder, now.UTC().Format(time.RFC3339))
	}
	if t.kinds&payloadValue != 0 {
		s = strings.ReplaceAll(s, valuePlaceholder, strconv.Itoa(rng.IntN(t.ceiling)))
	}
	if t.kinds&payloadLatency != 0 {
		s = strings.ReplaceAll(s, latencyPlaceholder, encodeLatencyProbe(now))
	}
	return []byte(s)
}

func (t payloadTemplate) probes() bool {
	return t.kinds&payloadLatency != 0
}

func encodeLatencyProbe(sent time.Time) string {
	return latencyProbePrefix + strconv.FormatInt(sent.UnixNano(), 10) + ";"
}

// decodeLatencyProbe finds the first probe in payload. Malformed probes are
// reported as absent.
func decodeLatencyProbe(payload []byte) (time.Time, bool) {
	i := bytes.Index(payload, []byte(latencyProbePrefix))
	if i < 0 {
		return time.Time{}, false
	}
	digits := payload[i+len(latencyProbePrefix):]
	end := 0
	for end < len(digits) && digits[end] >= '0' && digits[end] <= '9' {
		end++
	}
	if end == 0 {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(string(digits[:end]), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
