package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"atapbridge/internal/store"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st := newMemStore()
	st.put(t, "test", &store.State{Token: "seed"})
	client, err := NewClient(SessionConfig{
		BaseURL:   srv.URL,
		SessionID: "test",
	}, st, nil)
	require.NoError(t, err)
	require.NoError(t, client.Open(context.Background()))

	return NewAdapter(client, AdapterConfig{
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}, nil)
}

func listingWith(rows ...string) string {
	page := "<html><body><table>"
	page += "<tr><th>No</th><th>Name</th><th>MyKad/Passport</th><th>Category</th></tr>"
	for i, row := range rows {
		page += fmt.Sprintf("<tr><td>%d</td>%s</tr>", i+1, row)
	}
	return page + "</table></body></html>"
}

func rowCell(typ EntityType, id, name string) string {
	return fmt.Sprintf(`<td><a href="/profiles/%s/%s/edit">%s</a></td><td>reg</td><td>cat</td>`,
		typ, id, name)
}

func editPageWith(token string, fields map[string]string) string {
	page := fmt.Sprintf(`<html><body><form><input type="hidden" name="_token" value="%s">`, token)
	for name, value := range fields {
		page += fmt.Sprintf(`<input type="text" name="%s" value="%s">`, name, value)
	}
	return page + "</form></body></html>"
}

func TestSearchResolvesUniqueMatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /profiles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listingWith(
			rowCell(Individuals, "7", "Alice Tan"),
			rowCell(Individuals, "8", "Bob Lim"),
		))
	})
	mux.HandleFunc("GET /profiles/individuals/7/edit", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, editPageWith("tok", map[string]string{"name": "Alice Tan", "town": "KL"}))
	})
	adapter := newTestAdapter(t, mux)

	// Match is case-insensitive and whitespace-tolerant.
	profile, err := adapter.Search(context.Background(), "  alice tan ")
	require.NoError(t, err)
	require.Equal(t, "7", profile.ID)
	require.Equal(t, Individuals, profile.Type)
	require.Equal(t, "Alice Tan", profile.Fields["name"])
}

func TestSearchNoMatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /profiles", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listingWith(rowCell(Individuals, "7", "Alice Tan")))
	})
	adapter := newTestAdapter(t, mux)

	_, err := adapter.Search(context.Background(), "Nobody Here")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "Nobody Here", nf.Name)
}

func TestSearchAmbiguous(t *testing.T) {
	var listings int
	mux := http.NewServeMux()
	mux.HandleFunc("GET /profiles", func(w http.ResponseWriter, r *http.Request) {
		listings++
		fmt.Fprint(w, listingWith(
			rowCell(Individuals, "7", "Alice Tan"),
			rowCell(Companies, "12", "Alice Tan"),
		))
	})
	adapter := newTestAdapter(t, mux)

	_, err := adapter.Search(context.Background(), "Alice Tan")
	var ambiguous *AmbiguousError
	require.ErrorAs(t, err, &ambiguous)
	require.Len(t, ambiguous.Matches, 2)
	// Ambiguity is deterministic; it must never trigger a retry.
	require.Equal(t, 1, listings)
}

func TestSearchConflictCarriesContext(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /profiles", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	adapter := newTestAdapter(t, mux)

	_, err := adapter.Search(context.Background(), "Alice Tan")
	var ambiguous *AmbiguousError
	require.ErrorAs(t, err, &ambiguous)
	// The remote 409 arrives bare; Search must name what was ambiguous.
	require.Equal(t, "Alice Tan", ambiguous.Name)
}

func TestFetchByIDMissingForm(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /profiles/individuals/999/edit", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><p>Record not available</p></body></html>")
	})
	adapter := newTestAdapter(t, mux)

	_, err := adapter.FetchByID(context.Background(), Individuals, "999")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "999", nf.ID)
	require.Equal(t, Individuals, nf.Type)
}

func TestCreateResolvesIDFromRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /profiles/individuals", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, editPageWith("create-tok", nil))
	})
	mux.HandleFunc("POST /profiles/individuals", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, []string{"create-tok", "create-tok"}, r.PostForm["_token"])
		require.Equal(t, "Alice Tan", r.PostForm.Get("name"))
		w.Header().Set("Location", "/profiles/individuals/99/edit")
		w.WriteHeader(http.StatusFound)
	})
	adapter := newTestAdapter(t, mux)

	result, err := adapter.Create(context.Background(), Individuals, FormSnapshot{"name": "Alice Tan"})
	require.NoError(t, err)
	require.False(t, result.PendingID)
	require.NotNil(t, result.Profile)
	require.Equal(t, "99", result.Profile.ID)
	require.Equal(t, "Alice Tan", result.Profile.Fields["name"])
}

func TestCreatePendingWhenRedirectHidesID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /profiles/individuals", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, editPageWith("create-tok", nil))
	})
	mux.HandleFunc("POST /profiles/individuals", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/profiles")
		w.WriteHeader(http.StatusFound)
	})
	adapter := newTestAdapter(t, mux)

	result, err := adapter.Create(context.Background(), Individuals, FormSnapshot{"name": "Alice Tan"})
	require.NoError(t, err)
	require.True(t, result.PendingID)
	require.Nil(t, result.Profile)
	require.Equal(t, "/profiles", result.Location)
}

func TestCreateValidationRejection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /profiles/individuals", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, editPageWith("create-tok", nil))
	})
	mux.HandleFunc("POST /profiles/individuals", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<form>
			<input type="hidden" name="_token" value="next-tok">
			<input type="text" name="email" value="">
			<div class="invalid-feedback">The email field is required.</div>
		</form>`)
	})
	adapter := newTestAdapter(t, mux)

	_, err := adapter.Create(context.Background(), Individuals, FormSnapshot{"name": "Alice Tan"})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Len(t, vErr.Fields, 1)
	require.Equal(t, "email", vErr.Fields[0].Field)
}

func TestUpdateResendsFullBaseline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /profiles/individuals/7/edit", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, editPageWith("edit-tok", map[string]string{
			"name": "Alice Tan",
			"town": "Kuala Lumpur",
		}))
	})
	mux.HandleFunc("POST /profiles/individuals/7/edit", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "PUT", r.PostForm.Get("_method"))
		require.Equal(t, []string{"edit-tok", "edit-tok"}, r.PostForm["_token"])
		require.Equal(t, "Alice Lee", r.PostForm.Get("name"))
		// An untouched field still rides along; the portal blanks omissions.
		require.Equal(t, "Kuala Lumpur", r.PostForm.Get("town"))
		w.Header().Set("Location", "/profiles/individuals/7/edit")
		w.WriteHeader(http.StatusFound)
	})
	adapter := newTestAdapter(t, mux)

	profile, err := adapter.Update(context.Background(), Individuals, "7", FormSnapshot{"name": "Alice Lee"})
	require.NoError(t, err)
	require.Equal(t, "Alice Lee", profile.Fields["name"])
	require.Equal(t, "Kuala Lumpur", profile.Fields["town"])
}

func TestUpdateAcceptsFlashConfirmation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /profiles/individuals/7/edit", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, editPageWith("edit-tok", map[string]string{"name": "Alice Tan"}))
	})
	mux.HandleFunc("POST /profiles/individuals/7/edit", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<div class="alert">Profile updated successfully</div>`)
	})
	adapter := newTestAdapter(t, mux)

	_, err := adapter.Update(context.Background(), Individuals, "7", FormSnapshot{"name": "Alice Lee"})
	require.NoError(t, err)
}

func TestUpdateUnconfirmedIsError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /profiles/individuals/7/edit", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, editPageWith("edit-tok", map[string]string{"name": "Alice Tan"}))
	})
	mux.HandleFunc("POST /profiles/individuals/7/edit", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>Something else entirely</body></html>")
	})
	adapter := newTestAdapter(t, mux)

	_, err := adapter.Update(context.Background(), Individuals, "7", FormSnapshot{"name": "Alice Lee"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
}

// dropConnections hijacks and closes the first n connections, producing real
// transport-level failures, then hands off to next.
func dropConnections(n int, attempts *int, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*attempts++
		if *attempts <= n {
			hj, ok := w.(http.Hijacker)
			if !ok {
				panic("response writer is not hijackable")
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

func TestTransportFailuresRetried(t *testing.T) {
	var attempts int
	handler := dropConnections(2, &attempts, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listingWith(rowCell(Individuals, "7", "Alice Tan")))
	}))
	adapter := newTestAdapter(t, handler)

	rows, err := adapter.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 3, attempts)
}

func TestRetriesBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	st := newMemStore()
	st.put(t, "test", &store.State{Token: "seed"})
	client, err := NewClient(SessionConfig{BaseURL: url, SessionID: "test"}, st, nil)
	require.NoError(t, err)
	require.NoError(t, client.Open(context.Background()))

	adapter := NewAdapter(client, AdapterConfig{MaxRetries: 1, RetryBackoff: time.Millisecond}, nil)
	_, err = adapter.List(context.Background())
	require.Error(t, err)
	require.True(t, Retryable(err))
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	st := newMemStore()
	st.put(t, "test", &store.State{Token: "seed"})
	client, err := NewClient(SessionConfig{BaseURL: url, SessionID: "test"}, st, nil)
	require.NoError(t, err)
	require.NoError(t, client.Open(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	adapter := NewAdapter(client, AdapterConfig{MaxRetries: 10, RetryBackoff: time.Minute}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := adapter.List(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop ignored context cancellation")
	}
}
