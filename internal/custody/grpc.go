package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/spaceai-paygate/internal/infra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Сервис держателя доли: paygate.custody.v1.KeyShare. Сообщения —
// google.protobuf.Struct с единственным полем "body" (JSON): Value хранит
// числа как double, а суммы и эпохи должны передаваться без потерь.
const keyShareService = "paygate.custody.v1.KeyShare"

type KeyShareServer interface {
	Provision(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Destroy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignPartial(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(KeyShareServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(KeyShareServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + keyShareService + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(KeyShareServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var keyShareDesc = grpc.ServiceDesc{
	ServiceName: keyShareService,
	HandlerType: (*KeyShareServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Provision", Handler: unaryHandler("Provision", KeyShareServer.Provision)},
		{MethodName: "Destroy", Handler: unaryHandler("Destroy", KeyShareServer.Destroy)},
		{MethodName: "SignPartial", Handler: unaryHandler("SignPartial", KeyShareServer.SignPartial)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "paygate/custody/v1/keyshare.proto",
}

func RegisterKeyShareServer(s grpc.ServiceRegistrar, srv KeyShareServer) {
	s.RegisterService(&keyShareDesc, srv)
}

type shareRef struct {
	WalletID string `json:"wallet_id"`
	Epoch    uint64 `json:"epoch"`
}

type provisionReply struct {
	Address string `json:"address"`
}

func encode(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]interface{}{"body": string(b)})
}

func decode(s *structpb.Struct, v interface{}) error {
	body, ok := s.GetFields()["body"]
	if !ok {
		return errors.New("missing body")
	}
	return json.Unmarshal([]byte(body.GetStringValue()), v)
}

// HolderServer публикует Holder по gRPC.
type HolderServer struct {
	holder Holder
	logger *zap.Logger
}

func NewHolderServer(h Holder, logger *zap.Logger) *HolderServer {
	return &HolderServer{holder: h, logger: logger.Named("keyshare-grpc")}
}

func (s *HolderServer) Provision(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref shareRef
	if err := decode(in, &ref); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode: %v", err)
	}
	addr, err := s.holder.Provision(ctx, ref.WalletID, ref.Epoch)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "provision: %v", err)
	}
	return encode(provisionReply{Address: addr})
}

func (s *HolderServer) Destroy(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref shareRef
	if err := decode(in, &ref); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode: %v", err)
	}
	if err := s.holder.Destroy(ctx, ref.WalletID, ref.Epoch); err != nil {
		return nil, status.Errorf(codes.Internal, "destroy: %v", err)
	}
	return encode(struct{}{})
}

func (s *HolderServer) SignPartial(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SignRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode: %v", err)
	}
	p, err := s.holder.SignPartial(ctx, req)
	if err != nil {
		if errors.Is(err, ErrRefused) {
			return nil, status.Error(codes.PermissionDenied, err.Error())
		}
		s.logger.Error("sign partial failed", zap.String("tx_id", req.Attestation.TxID), zap.Error(err))
		return nil, status.Errorf(codes.Internal, "sign: %v", err)
	}
	return encode(p)
}

// HolderClient — удаленный держатель; реализует Holder.
type HolderClient struct {
	id   string
	conn grpc.ClientConnInterface
}

func NewHolderClient(id string, conn grpc.ClientConnInterface) *HolderClient {
	return &HolderClient{id: id, conn: conn}
}

func (c *HolderClient) ID() string { return c.id }

func (c *HolderClient) invoke(ctx context.Context, method string, req, reply interface{}) error {
	in, err := encode(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+keyShareService+"/"+method, in, out); err != nil {
		if status.Code(err) == codes.PermissionDenied {
			return fmt.Errorf("%w: %s", ErrRefused, status.Convert(err).Message())
		}
		return fmt.Errorf("holder %s %s: %w", c.id, method, err)
	}
	if reply == nil {
		return nil
	}
	return decode(out, reply)
}

func (c *HolderClient) Provision(ctx context.Context, walletID string, epoch uint64) (string, error) {
	var rep provisionReply
	if err := c.invoke(ctx, "Provision", shareRef{WalletID: walletID, Epoch: epoch}, &rep); err != nil {
		return "", err
	}
	return rep.Address, nil
}

func (c *HolderClient) Destroy(ctx context.Context, walletID string, epoch uint64) error {
	return c.invoke(ctx, "Destroy", shareRef{WalletID: walletID, Epoch: epoch}, nil)
}

func (c *HolderClient) SignPartial(ctx context.Context, req SignRequest) (Partial, error) {
	var p Partial
	if err := c.invoke(ctx, "SignPartial", req, &p); err != nil {
		return Partial{}, err
	}
	return p, nil
}

// DialHolders подключается к удаленным держателям. close закрывает все соединения.
func DialHolders(endpoints []infra.HolderEndpoint) (holders []Holder, closeAll func(), err error) {
	var conns []*grpc.ClientConn
	closeAll = func() {
		for _, c := range conns {
			c.Close()
		}
	}
	for _, ep := range endpoints {
		conn, err := grpc.NewClient(ep.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("dial holder %s at %s: %w", ep.ID, ep.Addr, err)
		}
		conns = append(conns, conn)
		holders = append(holders, NewHolderClient(ep.ID, conn))
	}
	return holders, closeAll, nil
}
