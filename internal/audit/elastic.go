package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v9"

	"github.com/Skotchmaster/school_portal/internal/util"
)

func NewClient(url, user, password string) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
		Username:  user,
		Password:  password,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("elasticsearch info: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch error %s: %s", res.Status(), body)
	}
	return client, nil
}

// Elastic stores audit events as documents of one index.
type Elastic struct {
	es    *elasticsearch.Client
	index string
}

func NewElastic(es *elasticsearch.Client, index string) *Elastic {
	return &Elastic{es: es, index: index}
}

func (s *Elastic) Record(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	res, err := s.es.Index(s.index, bytes.NewReader(data), s.es.Index.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("audit: index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("audit: index: %s", res.Status())
	}
	return nil
}

// searchBody filters on the keyword sub-fields dynamic mapping adds to
// string fields; the analyzed text field splits ids at hyphens.
func searchBody(q Query) map[string]any {
	var filters []map[string]any
	if q.UserID != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"user_id.keyword": q.UserID}})
	}
	if q.Type != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"type.keyword": q.Type}})
	}
	from, size := util.Calculate(q.Page, q.Size)

	query := map[string]any{"match_all": map[string]any{}}
	if len(filters) > 0 {
		query = map[string]any{"bool": map[string]any{"filter": filters}}
	}
	return map[string]any{
		"query": query,
		"sort":  []map[string]any{{"at": map[string]any{"order": "desc"}}},
		"from":  from,
		"size":  size,
	}
}

func (s *Elastic) Search(ctx context.Context, q Query) (int64, []Event, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(searchBody(q)); err != nil {
		return 0, nil, fmt.Errorf("audit: encode query: %w", err)
	}

	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index),
		s.es.Search.WithBody(&buf),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("audit: search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, nil, fmt.Errorf("audit: search: %s", res.Status())
	}

	var r struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source Event `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return 0, nil, fmt.Errorf("audit: decode: %w", err)
	}

	out := make([]Event, len(r.Hits.Hits))
	for i, hit := range r.Hits.Hits {
		out[i] = hit.Source
	}
	return r.Hits.Total.Value, out, nil
}
