package handler_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/freshledger/internal/handler"
	"github.com/jmerrifield20/freshledger/internal/ledger"
	"github.com/jmerrifield20/freshledger/internal/provenance"
	"go.uber.org/zap"
)

func setupItemRouter(t *testing.T) *gin.Engine {
	t.Helper()
	r, _ := setupItemRouterWithStore(t)
	return r
}

func setupItemRouterWithStore(t *testing.T) (*gin.Engine, *ledger.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l, store := newTestLedger(t, "food")
	repo := provenance.NewMemoryItemRepository()
	svc := provenance.NewService(repo, l, zap.NewNop())
	ratings := provenance.NewRatingService(repo, provenance.NewMemoryRatingRepository(), zap.NewNop())

	r := gin.New()
	r.GET("/metrics", handler.MetricsHandler())
	v1 := r.Group("/api/v1")
	handler.NewItemHandler(svc, provenance.KindIngredient, zap.NewNop()).Register(v1, "/ingredients")
	handler.NewItemHandler(svc, provenance.KindDish, zap.NewNop()).WithRatings(ratings).Register(v1, "/dishes")
	return r, store
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createIngredient(t *testing.T, router *gin.Engine, name string) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/ingredients", map[string]any{
		"name":        name,
		"description": "fresh",
		"origin":      "Farm",
		"expiryDate":  time.Now().AddDate(0, 0, 14).Format("2006-01-02"),
		"quantity":    3,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create ingredient: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Item provenance.Item `json:"item"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp.Item.BlockchainID
}

func TestCreateIngredient_201(t *testing.T) {
	router := setupItemRouter(t)
	id := createIngredient(t, router, "Tomato")
	if id == "" {
		t.Fatal("expected blockchainId in response")
	}

	w := get(t, router, "/api/v1/ingredients/"+id)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var v provenance.ItemView
	json.Unmarshal(w.Body.Bytes(), &v)
	if v.QualityScore == nil || *v.QualityScore != 10 {
		t.Errorf("qualityScore = %v, want 10", v.QualityScore)
	}
}

func TestCreateIngredient_400_missingFields(t *testing.T) {
	router := setupItemRouter(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/ingredients", map[string]any{"name": "Tomato"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetIngredient_404(t *testing.T) {
	router := setupItemRouter(t)
	if w := get(t, router, "/api/v1/ingredients/missing"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestUpdateIngredient_recordsFields(t *testing.T) {
	router := setupItemRouter(t)
	id := createIngredient(t, router, "Tomato")

	w := doJSON(t, router, http.MethodPatch, "/api/v1/ingredients/"+id, map[string]any{"origin": "Farm B"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res provenance.UpdateResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if !slices.Equal(res.UpdatedFields, []string{"origin"}) {
		t.Errorf("updatedFields = %v, want [origin]", res.UpdatedFields)
	}
}

func TestDeleteIngredient(t *testing.T) {
	router := setupItemRouter(t)
	id := createIngredient(t, router, "Tomato")

	if w := doJSON(t, router, http.MethodDelete, "/api/v1/ingredients/"+id, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := get(t, router, "/api/v1/ingredients/"+id); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestCreateDish_unknownIngredient_400(t *testing.T) {
	router := setupItemRouter(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/dishes", map[string]any{
		"name":                    "Salad",
		"price":                   9.5,
		"ingredientBlockchainIds": []string{"missing"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDishHistory(t *testing.T) {
	router := setupItemRouter(t)
	tomato := createIngredient(t, router, "Tomato")

	w := doJSON(t, router, http.MethodPost, "/api/v1/dishes", map[string]any{
		"name":                    "Salad",
		"price":                   9.5,
		"ingredientBlockchainIds": []string{tomato},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create dish: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Item provenance.Item `json:"item"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.Item.QualityScore != 10 {
		t.Errorf("dish qualityScore = %v, want 10", created.Item.QualityScore)
	}

	w = get(t, router, "/api/v1/dishes/"+created.Item.BlockchainID+"/history")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var hist struct {
		PreviousState ledger.Transaction `json:"previousState"`
		UpdatedFields []string           `json:"updatedFields"`
		Parts         []map[string]any   `json:"ingredientHistories"`
	}
	json.Unmarshal(w.Body.Bytes(), &hist)
	if hist.PreviousState.Name != "Salad" {
		t.Errorf("previousState.name = %q", hist.PreviousState.Name)
	}
	if len(hist.UpdatedFields) != 0 {
		t.Errorf("updatedFields = %v, want none", hist.UpdatedFields)
	}
	if len(hist.Parts) != 1 {
		t.Errorf("expected 1 ingredient history, got %d", len(hist.Parts))
	}
}

func TestIngredientHasNoHistoryRoute(t *testing.T) {
	router := setupItemRouter(t)
	id := createIngredient(t, router, "Tomato")
	if w := get(t, router, "/api/v1/ingredients/"+id+"/history"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func createDish(t *testing.T, router *gin.Engine, name string, parts ...string) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/dishes", map[string]any{
		"name":                    name,
		"price":                   9.5,
		"ingredientBlockchainIds": parts,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create dish: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Item provenance.Item `json:"item"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	return created.Item.BlockchainID
}

func TestDishRatings(t *testing.T) {
	router := setupItemRouter(t)
	dish := createDish(t, router, "Salad", createIngredient(t, router, "Tomato"))
	path := "/api/v1/dishes/" + dish + "/ratings"

	if w := get(t, router, path); w.Code != http.StatusNotFound {
		t.Fatalf("no ratings: expected 404, got %d", w.Code)
	}

	for _, r := range []map[string]any{
		{"foodQuality": 8, "taste": 6, "ingredientQuality": 10},
		{"foodQuality": 6, "taste": 9, "ingredientQuality": 7},
	} {
		if w := doJSON(t, router, http.MethodPost, path, r); w.Code != http.StatusCreated {
			t.Fatalf("submit rating: expected 201, got %d: %s", w.Code, w.Body.String())
		}
	}

	w := get(t, router, path)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sum provenance.RatingSummary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Count != 2 || sum.AverageFoodQuality != 7 || sum.AverageTaste != 7.5 || sum.AverageIngredientQuality != 8.5 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if sum.FoodQualityPercent != 70 || sum.TastePercent != 75 || sum.IngredientQualityPercent != 85 {
		t.Errorf("unexpected percentages: %+v", sum)
	}
}

func TestDishRatings_400_outOfRange(t *testing.T) {
	router := setupItemRouter(t)
	dish := createDish(t, router, "Salad", createIngredient(t, router, "Tomato"))
	path := "/api/v1/dishes/" + dish + "/ratings"

	for name, body := range map[string]map[string]any{
		"zero":       {"foodQuality": 0, "taste": 5, "ingredientQuality": 5},
		"eleven":     {"foodQuality": 5, "taste": 11, "ingredientQuality": 5},
		"fractional": {"foodQuality": 5, "taste": 5, "ingredientQuality": 5.5},
		"missing":    {"foodQuality": 5},
	} {
		if w := doJSON(t, router, http.MethodPost, path, body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d: %s", name, w.Code, w.Body.String())
		}
	}
	if w := get(t, router, path); w.Code != http.StatusNotFound {
		t.Errorf("rejected ratings must not be stored, got %d", w.Code)
	}
}

func TestDishRatings_404_unknownDish(t *testing.T) {
	router := setupItemRouter(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/dishes/missing/ratings",
		map[string]any{"foodQuality": 5, "taste": 5, "ingredientQuality": 5})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// storeFailures reads the store failure counter for namespace from /metrics.
func storeFailures(t *testing.T, router *gin.Engine, namespace string) float64 {
	t.Helper()
	w := get(t, router, "/metrics")
	prefix := `freshledger_store_failures_total{namespace="` + namespace + `"} `
	sc := bufio.NewScanner(w.Body)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), prefix); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				t.Fatalf("parse %q: %v", sc.Text(), err)
			}
			return f
		}
	}
	return 0
}

func TestCreateIngredient_storeFailureCounted(t *testing.T) {
	router, store := setupItemRouterWithStore(t)
	before := storeFailures(t, router, "food")

	store.FailNext(1)
	w := doJSON(t, router, http.MethodPost, "/api/v1/ingredients", map[string]any{
		"name":        "Tomato",
		"description": "Red",
		"origin":      "Farm A",
		"expiryDate":  time.Now().Add(10 * 24 * time.Hour).Format(time.RFC3339),
		"quantity":    3,
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}
	if after := storeFailures(t, router, "food"); after != before+1 {
		t.Errorf("store failures = %v, want %v", after, before+1)
	}
}
