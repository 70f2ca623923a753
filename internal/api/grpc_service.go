package api

import (
	"context"
	"fmt"
	"strings"

	"counselbook/internal/domain"
	"counselbook/internal/models"

	"github.com/samber/lo"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	slotServiceName        = "counselbook.slots.v1.SlotService"
	methodListAvailable    = "/" + slotServiceName + "/ListAvailable"
	methodGetBookingStatus = "/" + slotServiceName + "/GetBookingStatus"
)

// SlotRPCServer is the read-only service surface for partner systems. Requests and responses
// are google.protobuf.Struct so no generated stubs are needed.
type SlotRPCServer interface {
	ListAvailable(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetBookingStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type slotLister interface {
	ListAvailable(ctx context.Context, providerID, fromDate string) ([]*models.Slot, error)
	ListBookable(ctx context.Context, providerID string) ([]*models.Slot, error)
}

type bookingLookup interface {
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
}

type SlotRPCService struct {
	slots    slotLister
	bookings bookingLookup
}

func NewSlotRPCService(slots slotLister, bookings bookingLookup) *SlotRPCService {
	return &SlotRPCService{slots: slots, bookings: bookings}
}

// ListAvailable expects {provider_id, from_date?}. Without from_date only slots that have not
// started yet are returned.
func (s *SlotRPCService) ListAvailable(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	providerID := strings.TrimSpace(fields["provider_id"].GetStringValue())
	if providerID == "" {
		return nil, grpcError(fmt.Errorf("%w: provider_id is required", domain.ErrValidation))
	}
	fromDate := strings.TrimSpace(fields["from_date"].GetStringValue())

	var (
		slots []*models.Slot
		err   error
	)
	if fromDate != "" {
		slots, err = s.slots.ListAvailable(ctx, providerID, fromDate)
	} else {
		slots, err = s.slots.ListBookable(ctx, providerID)
	}
	if err != nil {
		return nil, grpcError(err)
	}

	items := lo.Map(slots, func(slot *models.Slot, _ int) interface{} {
		return map[string]interface{}{
			"id":          slot.ID,
			"provider_id": slot.ProviderID,
			"date":        slot.Date,
			"start_time":  slot.StartTime,
			"end_time":    slot.EndTime,
			"kind":        slot.Kind,
			"price":       slot.Price,
		}
	})
	resp, err := structpb.NewStruct(map[string]interface{}{"slots": items})
	if err != nil {
		return nil, grpcError(err)
	}
	return resp, nil
}

// GetBookingStatus expects {booking_id}.
func (s *SlotRPCService) GetBookingStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := int64(req.GetFields()["booking_id"].GetNumberValue())
	if id <= 0 {
		return nil, grpcError(fmt.Errorf("%w: booking_id is required", domain.ErrValidation))
	}
	b, err := s.bookings.GetBooking(ctx, id)
	if err != nil {
		return nil, grpcError(err)
	}
	resp, err := structpb.NewStruct(map[string]interface{}{
		"booking_id":     b.ID,
		"slot_id":        b.SlotID,
		"status":         b.Status,
		"payment_status": b.PaymentStatus,
		"extension_used": b.ExtensionUsed,
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return resp, nil
}

func RegisterSlotRPCServer(s grpc.ServiceRegistrar, srv SlotRPCServer) {
	s.RegisterService(&slotServiceDesc, srv)
}

var slotServiceDesc = grpc.ServiceDesc{
	ServiceName: slotServiceName,
	HandlerType: (*SlotRPCServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListAvailable", Handler: listAvailableHandler},
		{MethodName: "GetBookingStatus", Handler: getBookingStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "counselbook/slots/v1/slots.proto",
}

func listAvailableHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SlotRPCServer).ListAvailable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListAvailable}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SlotRPCServer).ListAvailable(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getBookingStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SlotRPCServer).GetBookingStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetBookingStatus}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SlotRPCServer).GetBookingStatus(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
