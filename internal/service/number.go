package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"

	"epay-reconciler/internal/domain"
)

// MaxNumberAttempts bounds how many candidates are tried for one unique number.
const MaxNumberAttempts = 5

// NumberGenerator produces candidate invoice and order numbers.
type NumberGenerator interface {
	Next() string
}

type snowflakeGenerator struct {
	node   *snowflake.Node
	prefix string
}

// NewSnowflakeGenerator returns a generator of time ordered numbers. node
// must be unique per running instance (0..1023).
func NewSnowflakeGenerator(node int64, prefix string) (NumberGenerator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, domain.Wrap(domain.CodeConfiguration, err, "snowflake node %d", node)
	}
	return &snowflakeGenerator{node: n, prefix: prefix}, nil
}

func (g *snowflakeGenerator) Next() string {
	return g.prefix + g.node.Generate().String()
}

// SequenceGenerator formats an increasing counter, e.g. "ORD-%03d".
type SequenceGenerator struct {
	mu     sync.Mutex
	format string
	n      int
}

func NewSequenceGenerator(format string) *SequenceGenerator {
	return &SequenceGenerator{format: format}
}

func (g *SequenceGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf(g.format, g.n)
}

// GenerateNumber draws candidates until isUnique accepts one, at most
// attempts times.
func GenerateNumber(ctx context.Context, gen NumberGenerator, isUnique func(context.Context, string) (bool, error), attempts int) (string, error) {
	for i := 0; i < attempts; i++ {
		candidate := gen.Next()
		if candidate == "" {
			continue
		}
		unique, err := isUnique(ctx, candidate)
		if err != nil {
			return "", domain.Wrap(domain.CodeStorage, err, "check number %s", candidate)
		}
		if unique {
			return candidate, nil
		}
	}
	return "", domain.Errorf(domain.CodeNumberGenerationExhausted, "no unique number after %d attempts", attempts)
}
