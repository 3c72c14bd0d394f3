package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShouldPromoteEmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.ShouldPromote(http.StatusOK, nil))
	require.True(t, h.ShouldPromote(http.StatusOK, []byte("  \n")))
}

func TestShouldPromoteAppMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.ShouldPromote(http.StatusOK, []byte(`<div id="__next"></div>`)))
	body := `<div data-state="root.App.main">` + strings.Repeat("<p>loading</p>", 20) + `</div>`
	require.True(t, h.ShouldPromote(http.StatusOK, []byte(body)))
}

func TestShouldPromoteUnfilledStreamers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	padding := strings.Repeat("<p>market summary</p>", 20)
	unfilled := `<html><body>` + padding +
		`<fin-streamer data-field="regularMarketPrice"></fin-streamer>` +
		`<fin-streamer data-field="regularMarketChange"> </fin-streamer></body></html>`
	require.True(t, h.ShouldPromote(http.StatusOK, []byte(unfilled)))

	filled := `<html><body>` + padding +
		`<fin-streamer data-field="regularMarketPrice">101.50</fin-streamer></body></html>`
	require.False(t, h.ShouldPromote(http.StatusOK, []byte(filled)))
}

func TestShouldPromoteScriptHeavyShell(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	require.True(t, h.ShouldPromote(http.StatusOK, []byte(`<html><script>var a=1;</script><p>t</p></html>`)))

	large := `<html><script>var a=1;</script>` + strings.Repeat("<p>t</p>", 200) + `</html>`
	require.False(t, NewHeuristic(100).ShouldPromote(http.StatusOK, []byte(large)))
}

func TestShouldPromotePlainPageStays(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	body := "<html><body>" + strings.Repeat("<p>static quote table</p>", 20) + "</body></html>"
	require.False(t, h.ShouldPromote(http.StatusOK, []byte(body)))
}

func TestShouldPromoteIgnoresFailedResponses(t *testing.T) {
	t.Parallel()

	require.False(t, NewHeuristic(100).ShouldPromote(http.StatusNotFound, []byte("not found")))
	require.False(t, NewHeuristic(100).ShouldPromote(http.StatusServiceUnavailable, nil))
}

func TestNewHeuristicDefaultThreshold(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultThreshold, NewHeuristic(0).BodyLengthThreshold)
	require.Equal(t, DefaultThreshold, NewHeuristic(-1).BodyLengthThreshold)
}
