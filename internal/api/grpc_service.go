package api

import (
	"context"
	"encoding/json"

	"ridebook/internal/domain"
	"ridebook/internal/models"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const bookingServiceName = "ridebook.v1.BookingService"

// BookingRPCServer is the gRPC surface of the booking lifecycle. Requests and
// responses are google.protobuf.Struct values with the same shapes as the JSON API.
type BookingRPCServer interface {
	GetBooking(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListBookings(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateBooking(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Transition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyPickupOTP(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegenerateOTP(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AssignDriver(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdatePayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateGatewayOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyGatewayPayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReviewEligibility(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitReview(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateReview(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DriverReviews(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type rpcMethod func(BookingRPCServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn rpcMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			impl := srv.(BookingRPCServer)
			if interceptor == nil {
				return fn(impl, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + bookingServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(impl, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// BookingServiceDesc describes ridebook.v1.BookingService for grpc.Server.RegisterService.
var BookingServiceDesc = grpc.ServiceDesc{
	ServiceName: bookingServiceName,
	HandlerType: (*BookingRPCServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetBooking", BookingRPCServer.GetBooking),
		unary("ListBookings", BookingRPCServer.ListBookings),
		unary("CreateBooking", BookingRPCServer.CreateBooking),
		unary("Transition", BookingRPCServer.Transition),
		unary("VerifyPickupOTP", BookingRPCServer.VerifyPickupOTP),
		unary("RegenerateOTP", BookingRPCServer.RegenerateOTP),
		unary("AssignDriver", BookingRPCServer.AssignDriver),
		unary("History", BookingRPCServer.History),
		unary("UpdatePayment", BookingRPCServer.UpdatePayment),
		unary("CreateGatewayOrder", BookingRPCServer.CreateGatewayOrder),
		unary("VerifyGatewayPayment", BookingRPCServer.VerifyGatewayPayment),
		unary("ReviewEligibility", BookingRPCServer.ReviewEligibility),
		unary("SubmitReview", BookingRPCServer.SubmitReview),
		unary("UpdateReview", BookingRPCServer.UpdateReview),
		unary("DriverReviews", BookingRPCServer.DriverReviews),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterBookingService attaches the booking service to a gRPC server.
func RegisterBookingService(s grpc.ServiceRegistrar, svc Services) {
	s.RegisterService(&BookingServiceDesc, &BookingRPC{svc: svc})
}

// BookingRPC adapts the domain services to BookingRPCServer.
type BookingRPC struct {
	svc Services
}

type idRequest struct {
	ID string `json:"id"`
}

func (s *BookingRPC) call(ctx context.Context, in *structpb.Struct, req any, fn func(actor domain.Actor) (any, error)) (*structpb.Struct, error) {
	if req != nil {
		if err := decodeStruct(in, req); err != nil {
			return nil, toStatus(err)
		}
	}
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "unknown caller")
	}

	out, err := fn(actor)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStruct(out)
}

func (s *BookingRPC) GetBooking(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	return s.call(ctx, in, &req, func(actor domain.Actor) (any, error) {
		return s.svc.Bookings.GetBooking(ctx, actor, req.ID)
	})
}

func (s *BookingRPC) ListBookings(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		Status   models.Status `json:"status"`
		UserID   string        `json:"userId"`
		DriverID string        `json:"driverId"`
		From     string        `json:"from"`
		To       string        `json:"to"`
		Limit    int           `json:"limit"`
	}
	return s.call(ctx, in, &req, func(actor domain.Actor) (any, error) {
		from, err := parseDate(req.From)
		if err != nil {
			return nil, domain.Invalid("from", "invalid date")
		}
		to, err := parseDate(req.To)
		if err != nil {
			return nil, domain.Invalid("to", "invalid date")
		}
		bookings, err := s.svc.Bookings.ListBookings(ctx, actor, domain.BookingFilter{
			From: from, To: to, UserID: req.UserID, DriverID: req.DriverID, Status: req.Status, Limit: req.Limit,
		})
		if err != nil {
			return nil, err
		}
		if bookings == nil {
			bookings = []*models.Booking{}
		}
		return map[string]any{"bookings": bookings}, nil
	})
}

func (s *BookingRPC) CreateBooking(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req domain.CreateBookingRequest
	return s.call(ctx, in, &req, func(actor domain.Actor) (any, error) {
		return s.svc.Bookings.CreateBooking(ctx, actor, &req)
	})
}

func (s *BookingRPC) Transition(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		ID        string        `json:"id"`
		NewStatus models.Status `json:"newStatus"`
		OTP       string        `json:"otp"`
	}
	return s.call(ctx, in, &req, func(actor domain.Actor) (any, error) {
		return s.svc.Bookings.Transition(ctx, actor, domain.TransitionRequest{BookingID: req.ID, Target: req.NewStatus, OTP: req.OTP})
	})
}

func (s *BookingRPC) VerifyPickupOTP(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		ID  string `json:"id"`
		OTP string `json:"otp"`
	}
	return s.call(ctx, in, &req, func(actor domain.Actor) (any, error) {
		return s.svc.Bookings.VerifyPickupOTP(ctx, actor, req.ID, req.OTP)
	})
}

func (s *BookingRPC) RegenerateOTP(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	return s.call(ctx, in, &req, func(actor domain.Actor) (any, error) {
		return s.svc.Bookings.RegenerateOTP(ctx, actor, req.ID)
	})
}

func (s *BookingRPC) AssignDriver(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		ID     string            `json:"id"`
		Driver models.AccountRef `json:"driver"`
	}
	return s.call(ctx, in, &req, func(actor domain.Actor) (any, error) {
		return s.svc.Bookings.AssignDriver(ctx, actor, req.ID, req.Driver)
	})
}

func (s *BookingRPC) History(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	return s.call(ctx, in, &req, func(actor domain.Actor) (any, error) {
		history, err := s.svc.Bookings.History(ctx, actor, req.ID)
		if err != nil {
			return nil, err
		}
		if history == nil {
			history = []*models.StatusChange{}
		}
		return map[string]any{"history": history}, nil
	})
}

func (s *BookingRPC) UpdatePayment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		ID            string               `json:"id"`
		PaymentMethod string               `json:"paymentMethod"`
		Status        models.PaymentStatus `json:"status"`
	}
	return s.call(ctx, in, &req, func(actor domain.Actor) (any, error) {
		return s.svc.Payments.UpdatePayment(ctx, actor, req.ID, req.PaymentMethod, req.Status)
	})
}

func (s *BookingRPC) CreateGatewayOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		BookingID string `json:"bookingId"`
		Amount    int64  `json:"amount"`
	}
	return s.call(ctx, in, &req, func(actor domain.Actor) (any, error) {
		order, err := s.svc.Payments.CreateGatewayOrder(ctx, actor, req.BookingID, req.Amount)
		if err != nil {
			return nil, err
		}
		return map[string]any{"orderId": order.ID, "amount": order.Amount, "currency": order.Currency}, nil
	})
}

func (s *BookingRPC) VerifyGatewayPayment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req domain.VerifyPaymentRequest
	return s.call(ctx, in, &req, func(actor domain.Actor) (any, error) {
		booking, err := s.svc.Payments.VerifyGatewayPayment(ctx, actor, &req)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "booking": booking}, nil
	})
}

func (s *BookingRPC) ReviewEligibility(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	return s.call(ctx, in, &req, func(actor domain.Actor) (any, error) {
		return s.svc.Reviews.Eligibility(ctx, actor, req.ID)
	})
}

func (s *BookingRPC) SubmitReview(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req domain.ReviewRequest
	return s.call(ctx, in, &req, func(actor domain.Actor) (any, error) {
		return s.svc.Reviews.Submit(ctx, actor, &req)
	})
}

func (s *BookingRPC) UpdateReview(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		ID      string `json:"id"`
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	return s.call(ctx, in, &req, func(actor domain.Actor) (any, error) {
		return s.svc.Reviews.Update(ctx, actor, req.ID, req.Rating, req.Comment)
	})
}

func (s *BookingRPC) DriverReviews(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	return s.call(ctx, in, &req, func(_ domain.Actor) (any, error) {
		return s.svc.Reviews.ListForDriver(ctx, req.ID)
	})
}

func decodeStruct(in *structpb.Struct, v any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return domain.Invalid("request", "malformed request")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.Invalid("request", "malformed request")
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}
