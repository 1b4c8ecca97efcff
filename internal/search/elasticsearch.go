package search

import (
	"bytes"
	"context"
	"encoding/json"

	"example.com/backstage/services/stocksync/config"
	"example.com/backstage/services/stocksync/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultSearchSize = 50
	maxSearchSize     = 500
)

// EventFilter narrows a stock event search. Empty fields match everything.
type EventFilter struct {
	ProductID string
	StoreID   string
	Kind      models.EventKind
	Size      int
}

// ElasticClient indexes applied stock events for audit search.
// Methods on a nil client are no-ops.
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

func (c *ElasticClient) indexName() string {
	return config.FormatIndex(c.config, c.config.Index)
}

// IndexStockEvent indexes an event under its eventId, so redelivery overwrites
// the same document.
func (c *ElasticClient) IndexStockEvent(ctx context.Context, event *models.DomainEvent) error {
	if c == nil {
		return nil
	}

	doc := map[string]interface{}{
		"event_id":      event.EventID,
		"product_id":    event.ProductID,
		"store_id":      event.StoreID,
		"partition_key": event.PartitionKey(),
		"kind":          event.Kind,
		"previous_qty":  event.PreviousQty,
		"new_qty":       event.NewQty,
		"reserved_qty":  event.ReservedQty,
		"available":     event.NewQty - event.ReservedQty,
		"timestamp":     event.Timestamp,
		"details":       event.Details,
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal stock event document")
	}

	req := esapi.IndexRequest{
		Index:      c.indexName(),
		DocumentID: event.EventID,
		Body:       bytes.NewReader(docJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "index")
	}

	log.Debug().Str("event_id", event.EventID).Msg("stock event indexed")
	return nil
}

// SearchStockEvents returns indexed events matching filter, newest first
func (c *ElasticClient) SearchStockEvents(ctx context.Context, filter EventFilter) ([]map[string]interface{}, error) {
	if c == nil {
		return nil, errors.New("event search is disabled")
	}

	queryJSON, err := json.Marshal(BuildEventQuery(filter))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	req := esapi.SearchRequest{
		Index: []string{c.indexName()},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, responseError(res, "search")
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source map[string]interface{} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	docs := make([]map[string]interface{}, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		if hit.Source != nil {
			docs = append(docs, hit.Source)
		}
	}
	return docs, nil
}

// Ping checks the cluster for health reporting
func (c *ElasticClient) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	res, err := c.client.Ping(c.client.Ping.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "failed to ping Elasticsearch")
	}
	defer res.Body.Close()
	if res.IsError() {
		return errors.Errorf("Elasticsearch ping returned %s", res.Status())
	}
	return nil
}

// BuildEventQuery translates filter into an Elasticsearch bool query
func BuildEventQuery(filter EventFilter) map[string]interface{} {
	size := filter.Size
	if size <= 0 {
		size = defaultSearchSize
	}
	if size > maxSearchSize {
		size = maxSearchSize
	}

	var must []interface{}
	if filter.ProductID != "" {
		must = append(must, term("product_id", filter.ProductID))
	}
	if filter.StoreID != "" {
		must = append(must, term("store_id", filter.StoreID))
	}
	if filter.Kind != "" {
		must = append(must, term("kind", string(filter.Kind)))
	}

	query := map[string]interface{}{"match_all": map[string]interface{}{}}
	if len(must) > 0 {
		query = map[string]interface{}{"bool": map[string]interface{}{"filter": must}}
	}

	return map[string]interface{}{
		"size":  size,
		"query": query,
		"sort": []interface{}{
			map[string]interface{}{"timestamp": map[string]interface{}{"order": "desc"}},
		},
	}
}

func term(field, value string) map[string]interface{} {
	return map[string]interface{}{
		"term": map[string]interface{}{field + ".keyword": value},
	}
}

func responseError(res *esapi.Response, op string) error {
	var e map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
		return errors.Wrapf(err, "failed to parse Elasticsearch %s error response", op)
	}
	return errors.Errorf("Elasticsearch %s error: %v", op, e)
}
