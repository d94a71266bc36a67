package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Client — типизированный клиент SettlementService поверх JSON-кодека.
type Client struct {
	conn  grpc.ClientConnInterface
	token string
}

// NewClient оборачивает соединение. Пустой token не добавляет authorization.
func NewClient(conn grpc.ClientConnInterface, token string) *Client {
	return &Client{conn: conn, token: token}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, authorizationHeader, "Bearer "+c.token)
	}
	return c.conn.Invoke(ctx, FullMethod(method), req, resp, grpc.CallContentSubtype(CodecName))
}

func (c *Client) Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	resp := new(CheckoutResponse)
	if err := c.invoke(ctx, MethodCheckout, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) AdjustStock(ctx context.Context, req *AdjustStockRequest) (*AdjustStockResponse, error) {
	resp := new(AdjustStockResponse)
	if err := c.invoke(ctx, MethodAdjustStock, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetInventory(ctx context.Context, req *GetInventoryRequest) (*GetInventoryResponse, error) {
	resp := new(GetInventoryResponse)
	if err := c.invoke(ctx, MethodGetInventory, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) RedeemPoints(ctx context.Context, req *RedeemPointsRequest) (*RedeemPointsResponse, error) {
	resp := new(RedeemPointsResponse)
	if err := c.invoke(ctx, MethodRedeemPoints, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ExpirePoints(ctx context.Context, req *ExpirePointsRequest) (*ExpirePointsResponse, error) {
	resp := new(ExpirePointsResponse)
	if err := c.invoke(ctx, MethodExpirePoints, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) RepairDuplicates(ctx context.Context, req *RepairDuplicatesRequest) (*RepairDuplicatesResponse, error) {
	resp := new(RepairDuplicatesResponse)
	if err := c.invoke(ctx, MethodRepairDuplicates, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Reconcile(ctx context.Context, req *ReconcileRequest) (*ReconcileResponse, error) {
	resp := new(ReconcileResponse)
	if err := c.invoke(ctx, MethodReconcile, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ListAnomalies(ctx context.Context, req *ListAnomaliesRequest) (*ListAnomaliesResponse, error) {
	resp := new(ListAnomaliesResponse)
	if err := c.invoke(ctx, MethodListAnomalies, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ResolveAnomaly(ctx context.Context, req *ResolveAnomalyRequest) (*ResolveAnomalyResponse, error) {
	resp := new(ResolveAnomalyResponse)
	if err := c.invoke(ctx, MethodResolveAnomaly, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
