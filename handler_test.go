package findnet

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNode_HandleFind(t *testing.T) {
	n := newTestNode(t, "node", testID(0x01, 0x01), newStaticBroker())
	handler := n.Handler()
	content := testID(0xc0, 0x01)
	holder := testID(0x40, 0x01)
	closer := testID(0x80, 0x01)
	n.Routing().Add(closer)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	t.Run("unknown id is queued", func(t *testing.T) {
		rec := get("/find/" + content.String())
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var answers []Answer
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &answers))
		require.Equal(t, []Answer{{Kind: AnswerCloser, ID: closer}}, answers)
		require.Equal(t, 1, n.findQueue.Len())
	})

	t.Run("known id", func(t *testing.T) {
		n.Knowledge().RecordHas(content, holder)
		rec := get("/find/" + content.String())
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `[
			{"kind":"HAS","id":"`+holder.String()+`"},
			{"kind":"CLOSER","id":"`+closer.String()+`"}
		]`, rec.Body.String())
		require.Equal(t, 1, n.findQueue.Len(), "known ids are not queued")
	})

	t.Run("malformed id", func(t *testing.T) {
		rec := get("/find/" + content.String()[:10])
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, 1, n.findQueue.Len())
		containers, _ := n.Knowledge().Stats()
		require.Equal(t, 1, containers, "malformed ids never reach the knowledge base")
	})

	t.Run("upper case id", func(t *testing.T) {
		rec := get("/find/" + strings.ToUpper(content.String()))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), holder.String())
	})

	t.Run("only GET is served", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/find/"+content.String(), nil))
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
