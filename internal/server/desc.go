package server

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "bastion.v1.Settlement"

// FullMethod returns the gRPC method path for name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary builds a MethodDesc around a SettlementService method. Payloads use
// the json codec, so the request type is a plain struct.
func unary[Req, Resp any](name string, call func(*SettlementService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				resp, err := call(srv.(*SettlementService), ctx, req.(*Req))
				if err != nil {
					return nil, err
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// settlementServiceDesc describes bastion.v1.Settlement without generated
// stubs.
var settlementServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unary("ConfigureAsset", (*SettlementService).ConfigureAsset),
		unary("SetAssetStatus", (*SettlementService).SetAssetStatus),
		unary("SetPayoutToken", (*SettlementService).SetPayoutToken),
		unary("SetCollector", (*SettlementService).SetCollector),
		unary("Pause", (*SettlementService).Pause),
		unary("Unpause", (*SettlementService).Unpause),
		unary("EmergencyWithdraw", (*SettlementService).EmergencyWithdraw),
		unary("ExecutePayout", (*SettlementService).ExecutePayout),
		unary("CollectPremium", (*SettlementService).CollectPremium),
		unary("UpdatePosition", (*SettlementService).UpdatePosition),
		unary("Claim", (*SettlementService).Claim),
		unary("Deposit", (*SettlementService).Deposit),
		unary("Withdraw", (*SettlementService).Withdraw),
		unary("Status", (*SettlementService).Status),
		unary("ListAssets", (*SettlementService).ListAssets),
		unary("GetCoverage", (*SettlementService).GetCoverage),
		unary("GetPosition", (*SettlementService).GetPosition),
		unary("GetClaimable", (*SettlementService).GetClaimable),
		unary("GetPayout", (*SettlementService).GetPayout),
		unary("PayoutHistory", (*SettlementService).PayoutHistory),
		unary("ListClaims", (*SettlementService).ListClaims),
		unary("GetBalances", (*SettlementService).GetBalances),
		unary("ListJournals", (*SettlementService).ListJournals),
		unary("VerifyIntegrity", (*SettlementService).VerifyIntegrity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bastion/v1/settlement",
}
