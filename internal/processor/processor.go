// Package processor post-processes captured remote output with
// configurable processor chains before it is persisted.
package processor

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	ProcessorTypeTrim     string = "trim"
	ProcessorTypeRedact   string = "redact"
	ProcessorTypeTruncate string = "truncate"
)

// DefaultMaxOutputBytes caps stdout and stderr of a single action result.
const DefaultMaxOutputBytes = 64 * 1024

// Processor defines the interface for processing output lines.
type Processor interface {
	// Process applies the processor's logic to the input lines.
	Process([]string) ([]string, error)
	Name() string
}

// ProcessorChain manages a collection of processors and applies them in sequence.
type ProcessorChain struct {
	processors map[string]Processor
	order      []string
}

// NewProcessorChain registers trim, redact and truncate. Output is
// truncated to maxBytes; secrets are masked wherever they appear.
func NewProcessorChain(maxBytes int, secrets ...string) *ProcessorChain {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}
	pc := &ProcessorChain{
		processors: make(map[string]Processor),
	}
	pc.Register(&TrimProcessor{})
	pc.Register(NewRedactProcessor(secrets...))
	pc.Register(&TruncateProcessor{MaxBytes: maxBytes})
	pc.order = []string{ProcessorTypeTrim, ProcessorTypeRedact, ProcessorTypeTruncate}
	return pc
}

// Register adds a processor to the chain.
func (pc *ProcessorChain) Register(p Processor) {
	pc.processors[p.Name()] = p
}

// Process applies the named processors to the input lines in order.
func (pc *ProcessorChain) Process(lines []string, processorNames ...string) ([]string, error) {
	for _, name := range processorNames {
		if _, exists := pc.processors[name]; !exists {
			return nil, fmt.Errorf("processor %q not registered", name)
		}
	}
	if len(lines) == 0 {
		return lines, nil
	}
	result := lines
	for _, name := range processorNames {
		var err error
		result, err = pc.processors[name].Process(result)
		if err != nil {
			return nil, fmt.Errorf("%s processor failed: %w", name, err)
		}
	}
	return result, nil
}

// Apply runs the default pipeline over a raw output stream.
func (pc *ProcessorChain) Apply(raw string) string {
	if raw == "" {
		return raw
	}
	lines, err := pc.Process(strings.Split(raw, "\n"), pc.order...)
	if err != nil {
		return raw
	}
	return strings.Join(lines, "\n")
}

//Processor Implementations

// TrimProcessor strips trailing whitespace from each line and drops
// trailing blank lines.
type TrimProcessor struct{}

func (p *TrimProcessor) Name() string { return ProcessorTypeTrim }
func (p *TrimProcessor) Process(lines []string) ([]string, error) {
	trimmed := make([]string, len(lines))
	for i, line := range lines {
		trimmed[i] = strings.TrimRight(line, " \t\r")
	}
	end := len(trimmed)
	for end > 0 && trimmed[end-1] == "" {
		end--
	}
	return trimmed[:end], nil
}

// RedactProcessor masks credential material echoed by remote commands.
type RedactProcessor struct {
	replacer *strings.Replacer
}

func NewRedactProcessor(secrets ...string) *RedactProcessor {
	var pairs []string
	for _, s := range secrets {
		if len(s) < 4 {
			continue
		}
		pairs = append(pairs, s, "******")
	}
	if len(pairs) == 0 {
		return &RedactProcessor{}
	}
	return &RedactProcessor{replacer: strings.NewReplacer(pairs...)}
}

func (p *RedactProcessor) Name() string { return ProcessorTypeRedact }
func (p *RedactProcessor) Process(lines []string) ([]string, error) {
	if p.replacer == nil {
		return lines, nil
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = p.replacer.Replace(line)
	}
	return out, nil
}

// TruncateProcessor keeps the first MaxBytes of output and appends a
// "[truncated N bytes]" marker line when anything was cut.
type TruncateProcessor struct {
	MaxBytes int
}

func (p *TruncateProcessor) Name() string { return ProcessorTypeTruncate }
func (p *TruncateProcessor) Process(lines []string) ([]string, error) {
	total := len(lines) - 1
	for _, l := range lines {
		total += len(l)
	}
	if total <= p.MaxBytes {
		return lines, nil
	}
	var (
		kept []string
		used int
	)
	for i, l := range lines {
		cost := len(l)
		if i > 0 {
			cost++
		}
		if used+cost > p.MaxBytes {
			room := p.MaxBytes - used
			if i > 0 {
				room--
			}
			for room > 0 && !utf8.RuneStart(l[room]) {
				room--
			}
			if room > 0 {
				kept = append(kept, l[:room])
				used += room
				if i > 0 {
					used++
				}
			}
			break
		}
		kept = append(kept, l)
		used += cost
	}
	return append(kept, fmt.Sprintf("[truncated %d bytes]", total-used)), nil
}
