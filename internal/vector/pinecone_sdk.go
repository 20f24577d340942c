package vector

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/v3/pinecone"
)

// pineconeSDK adapts the official client to pineconeAPI.
type pineconeSDK struct {
	client *pinecone.Client
	cloud  pinecone.Cloud
	region string
}

func newPineconeSDK(apiKey, cloud, region string) (*pineconeSDK, error) {
	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("pinecone: creating client: %w", err)
	}
	if cloud == "" {
		cloud = string(pinecone.Aws)
	}
	if region == "" {
		region = "us-east-1"
	}
	return &pineconeSDK{client: client, cloud: pinecone.Cloud(cloud), region: region}, nil
}

func (s *pineconeSDK) ListIndexes(ctx context.Context) ([]string, error) {
	indexes, err := s.client.ListIndexes(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		names = append(names, idx.Name)
	}
	return names, nil
}

func (s *pineconeSDK) CreateIndex(ctx context.Context, name string, dim int) error {
	dimension := int32(dim)
	metric := pinecone.Cosine
	_, err := s.client.CreateServerlessIndex(ctx, &pinecone.CreateServerlessIndexRequest{
		Name:      name,
		Dimension: &dimension,
		Metric:    &metric,
		Cloud:     s.cloud,
		Region:    s.region,
	})
	return err
}

func (s *pineconeSDK) DeleteIndex(ctx context.Context, name string) error {
	return s.client.DeleteIndex(ctx, name)
}

func (s *pineconeSDK) Index(ctx context.Context, name string) (pineconeIndex, error) {
	desc, err := s.client.DescribeIndex(ctx, name)
	if err != nil {
		return nil, err
	}
	conn, err := s.client.Index(pinecone.NewIndexConnParams{Host: desc.Host})
	if err != nil {
		return nil, err
	}

	dim := 0
	if desc.Dimension != nil {
		dim = int(*desc.Dimension)
	}
	return &pineconeSDKIndex{conn: conn, dim: dim}, nil
}

type pineconeSDKIndex struct {
	conn *pinecone.IndexConnection
	dim  int
}

func (i *pineconeSDKIndex) Dimension(context.Context) (int, error) {
	return i.dim, nil
}

func (i *pineconeSDKIndex) Upsert(ctx context.Context, vectors []*pinecone.Vector) error {
	_, err := i.conn.UpsertVectors(ctx, vectors)
	return err
}

func (i *pineconeSDKIndex) Query(ctx context.Context, vector []float32, topK int, filter *pinecone.MetadataFilter) ([]*pinecone.ScoredVector, error) {
	resp, err := i.conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		MetadataFilter:  filter,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, err
	}
	return resp.Matches, nil
}

func (i *pineconeSDKIndex) DeleteByID(ctx context.Context, ids []string) error {
	return i.conn.DeleteVectorsById(ctx, ids)
}

func (i *pineconeSDKIndex) DeleteByFilter(ctx context.Context, filter *pinecone.MetadataFilter) error {
	return i.conn.DeleteVectorsByFilter(ctx, filter)
}
