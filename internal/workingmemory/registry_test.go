package workingmemory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry()

	a := r.Get("a")
	a.MarkURLProcessed("u")
	assert.Same(t, a, r.Get("a"))

	_, ok := r.Lookup("b")
	assert.False(t, ok, "lookup does not create")

	r.Get("c")
	assert.Equal(t, []string{"a", "c"}, r.ActiveSessions())

	r.Clear("a")
	assert.Equal(t, []string{"c"}, r.ActiveSessions())
	assert.False(t, r.Get("a").IsURLProcessed("u"), "cleared session starts fresh")
}

func TestRegistry_ExportAll(t *testing.T) {
	r := NewRegistry()
	r.Get("s1").AddInsight("i")
	r.Get("s2")

	all := r.ExportAll()
	require.Len(t, all, 2)
	assert.Equal(t, []string{"i"}, all["s1"].ResearchProgress.Insights)
}

func TestRegistry_OptionsApplyToSessions(t *testing.T) {
	r := NewRegistry(WithStrictPhases(true))
	m := r.Get("s")
	require.NoError(t, m.SetPhase(PhaseAnalysis))
	assert.ErrorIs(t, m.SetPhase(PhaseInitial), ErrInvalidPhaseTransition)
}

func TestRegistry_DoSerializesSession(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Do("shared", func(m *Memory) error {
				m.MarkURLProcessed(fmt.Sprintf("https://u/%d", i%10))
				m.AddFinding("f", "s", "r")
				return nil
			})
		}(i)
	}
	wg.Wait()

	m := r.Get("shared")
	assert.Len(t, m.ProcessedURLs(), 10)
	assert.Len(t, m.Findings(), 50)
}

func TestRegistry_DoReturnsError(t *testing.T) {
	r := NewRegistry()
	err := r.Do("s", func(m *Memory) error { return m.SetPhase(PhaseComplete) })
	require.NoError(t, err)
	assert.Equal(t, PhaseComplete, r.Get("s").Phase())
}
