package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toolgate/toolgate/internal/model"
)

func makeTool(server, name string) *model.Tool {
	return &model.Tool{
		ID:     server + "_" + name,
		Server: server,
		Name:   name,
	}
}

func TestReplaceServer(t *testing.T) {
	r := New()

	r.ReplaceServer("puppeteer", []*model.Tool{
		makeTool("puppeteer", "screenshot"),
		makeTool("puppeteer", "navigate"),
	})
	assert.Equal(t, 2, r.Len())
	assert.NotNil(t, r.Get("puppeteer_screenshot"))

	// replacing swaps the full set, old records disappear
	r.ReplaceServer("puppeteer", []*model.Tool{
		makeTool("puppeteer", "click"),
	})
	assert.Equal(t, 1, r.Len())
	assert.Nil(t, r.Get("puppeteer_screenshot"))
	assert.NotNil(t, r.Get("puppeteer_click"))
}

func TestReplaceServerLeavesOtherServersUntouched(t *testing.T) {
	r := New()
	r.ReplaceServer("puppeteer", []*model.Tool{makeTool("puppeteer", "screenshot")})
	r.ReplaceServer("exa", []*model.Tool{makeTool("exa", "search")})

	r.ReplaceServer("puppeteer", nil)

	assert.Nil(t, r.Get("puppeteer_screenshot"))
	assert.NotNil(t, r.Get("exa_search"))
	assert.Equal(t, map[string]int{"puppeteer": 0, "exa": 1}, r.CountByServer())
}

func TestRemoveServer(t *testing.T) {
	r := New()
	r.ReplaceServer("exa", []*model.Tool{makeTool("exa", "search")})
	r.RemoveServer("exa")

	assert.Equal(t, 0, r.Len())
	_, tracked := r.CountByServer()["exa"]
	assert.False(t, tracked)
}

func TestAllSortedByID(t *testing.T) {
	r := New()
	r.ReplaceServer("b", []*model.Tool{makeTool("b", "z"), makeTool("b", "a")})
	r.ReplaceServer("a", []*model.Tool{makeTool("a", "m")})

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "a_m", all[0].ID)
	assert.Equal(t, "b_a", all[1].ID)
	assert.Equal(t, "b_z", all[2].ID)
}

func TestByServer(t *testing.T) {
	r := New()
	r.ReplaceServer("exa", []*model.Tool{makeTool("exa", "search"), makeTool("exa", "crawl")})
	r.ReplaceServer("puppeteer", []*model.Tool{makeTool("puppeteer", "screenshot")})

	got := r.ByServer("exa")
	require.Len(t, got, 2)
	assert.Equal(t, "exa_crawl", got[0].ID)
	assert.Equal(t, "exa_search", got[1].ID)

	assert.Empty(t, r.ByServer("unknown"))
}

func TestSetEmbedding(t *testing.T) {
	r := New()
	r.ReplaceServer("exa", []*model.Tool{makeTool("exa", "search")})

	vec := []float32{0.1, 0.2}
	r.SetEmbedding("exa_search", vec)
	assert.Equal(t, vec, r.Get("exa_search").Embedding)

	// a second write does not clobber the cached vector
	r.SetEmbedding("exa_search", []float32{9})
	assert.Equal(t, vec, r.Get("exa_search").Embedding)

	// writes against unknown ids are dropped
	r.SetEmbedding("gone_tool", vec)
	assert.Nil(t, r.Get("gone_tool"))
}

// Readers racing a per-server replace must never observe a mixed set.
func TestReplaceServerAtomicUnderConcurrency(t *testing.T) {
	r := New()

	genA := make([]*model.Tool, 5)
	genB := make([]*model.Tool, 5)
	for i := range genA {
		genA[i] = makeTool("srv", fmt.Sprintf("a%d", i))
		genB[i] = makeTool("srv", fmt.Sprintf("b%d", i))
	}
	r.ReplaceServer("srv", genA)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if i%2 == 0 {
				r.ReplaceServer("srv", genB)
			} else {
				r.ReplaceServer("srv", genA)
			}
		}
		close(done)
	}()

	for {
		snapshot := r.ByServer("srv")
		if len(snapshot) > 0 {
			want := snapshot[0].Name[0] // 'a' or 'b'
			for _, tool := range snapshot {
				assert.Equal(t, want, tool.Name[0], "observed a mix of generations")
			}
		}
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
	}
}
