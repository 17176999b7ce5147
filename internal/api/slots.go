package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/renderpool/internal/api/models"
	"github.com/smazurov/renderpool/internal/slots"
)

func (s *Server) registerSlotRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-slots",
		Method:      http.MethodGet,
		Path:        "/api/slots",
		Summary:     "List Slots",
		Description: "Get the state of every slot in the pool",
		Tags:        []string{"slots"},
	}, func(ctx context.Context, input *struct{}) (*models.SlotListResponse, error) {
		return &models.SlotListResponse{Body: s.slotList()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-slot",
		Method:      http.MethodGet,
		Path:        "/api/slots/{id}",
		Summary:     "Get Slot",
		Description: "Get the state of a single slot",
		Tags:        []string{"slots"},
		Errors:      []int{404},
	}, func(ctx context.Context, input *models.SlotRequest) (*models.SlotResponse, error) {
		info, err := s.pool.Slot(input.ID)
		if err != nil {
			if errors.Is(err, slots.ErrInvalidID) {
				return nil, huma.Error404NotFound("Slot not found", err)
			}
			return nil, huma.Error500InternalServerError("Failed to read slot", err)
		}
		return &models.SlotResponse{Body: toSlotData(info)}, nil
	})
}

func (s *Server) slotList() models.SlotListData {
	snapshot := s.pool.Snapshot()
	running, total := s.pool.ServerStatus()

	data := make([]models.SlotData, 0, len(snapshot))
	for _, info := range snapshot {
		data = append(data, toSlotData(info))
	}
	return models.SlotListData{
		Slots:   data,
		Running: running,
		Total:   total,
	}
}

func toSlotData(info slots.Info) models.SlotData {
	return models.SlotData{
		ID:         info.ID,
		State:      info.State.String(),
		Generation: info.Generation,
		PID:        info.Handle.PID(),
		WorkerPID:  info.WorkerPID,
		ShellPID:   info.ShellPID,
		Since:      info.Since,
	}
}
