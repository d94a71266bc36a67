package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName — полное имя gRPC-сервиса.
const ServiceName = "possettle.v1.SettlementService"

// Имена методов SettlementService.
const (
	MethodCheckout         = "Checkout"
	MethodAdjustStock      = "AdjustStock"
	MethodGetInventory     = "GetInventory"
	MethodRedeemPoints     = "RedeemPoints"
	MethodExpirePoints     = "ExpirePoints"
	MethodRepairDuplicates = "RepairDuplicates"
	MethodReconcile        = "Reconcile"
	MethodListAnomalies    = "ListAnomalies"
	MethodResolveAnomaly   = "ResolveAnomaly"
)

// FullMethod возвращает путь метода в формате /service/method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// SettlementServer — серверная сторона SettlementService.
type SettlementServer interface {
	Checkout(context.Context, *CheckoutRequest) (*CheckoutResponse, error)
	AdjustStock(context.Context, *AdjustStockRequest) (*AdjustStockResponse, error)
	GetInventory(context.Context, *GetInventoryRequest) (*GetInventoryResponse, error)
	RedeemPoints(context.Context, *RedeemPointsRequest) (*RedeemPointsResponse, error)
	ExpirePoints(context.Context, *ExpirePointsRequest) (*ExpirePointsResponse, error)
	RepairDuplicates(context.Context, *RepairDuplicatesRequest) (*RepairDuplicatesResponse, error)
	Reconcile(context.Context, *ReconcileRequest) (*ReconcileResponse, error)
	ListAnomalies(context.Context, *ListAnomaliesRequest) (*ListAnomaliesResponse, error)
	ResolveAnomaly(context.Context, *ResolveAnomalyRequest) (*ResolveAnomalyResponse, error)
}

// unaryHandler адаптирует типизированный метод к grpc.MethodHandler.
func unaryHandler[Req, Resp any](method string, call func(SettlementServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(SettlementServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc описывает SettlementService для grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SettlementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodCheckout, Handler: unaryHandler(MethodCheckout, SettlementServer.Checkout)},
		{MethodName: MethodAdjustStock, Handler: unaryHandler(MethodAdjustStock, SettlementServer.AdjustStock)},
		{MethodName: MethodGetInventory, Handler: unaryHandler(MethodGetInventory, SettlementServer.GetInventory)},
		{MethodName: MethodRedeemPoints, Handler: unaryHandler(MethodRedeemPoints, SettlementServer.RedeemPoints)},
		{MethodName: MethodExpirePoints, Handler: unaryHandler(MethodExpirePoints, SettlementServer.ExpirePoints)},
		{MethodName: MethodRepairDuplicates, Handler: unaryHandler(MethodRepairDuplicates, SettlementServer.RepairDuplicates)},
		{MethodName: MethodReconcile, Handler: unaryHandler(MethodReconcile, SettlementServer.Reconcile)},
		{MethodName: MethodListAnomalies, Handler: unaryHandler(MethodListAnomalies, SettlementServer.ListAnomalies)},
		{MethodName: MethodResolveAnomaly, Handler: unaryHandler(MethodResolveAnomaly, SettlementServer.ResolveAnomaly)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "possettle/v1/settlement.json",
}

// RegisterSettlementServer регистрирует реализацию на gRPC-сервере.
func RegisterSettlementServer(registrar grpc.ServiceRegistrar, srv SettlementServer) {
	registrar.RegisterService(&ServiceDesc, srv)
}
