package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eonbridge/eonbridge/pkg/eonnext/eonnextmock"
	"github.com/eonbridge/eonbridge/pkg/storage/storagemock"
	"github.com/eonbridge/eonbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestHandleMeters(t *testing.T) {
	t.Run("FallsBackToStorage", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("ListMeters", mock.Anything).Return([]types.Meter{
			{Fuel: types.FuelElectricity, Serial: "ELEC001", ID: "em-1"},
			{Fuel: types.FuelGas, Serial: "GAS001", ID: "gm-1"},
		}, nil)

		srv := newTestServer(&eonnextmock.MockAPI{}, db)
		req := httptest.NewRequest("GET", "/api/meters", nil)
		w := httptest.NewRecorder()
		srv.handleMeters(w, req)

		require.Equal(t, http.StatusOK, w.Result().StatusCode)
		var snaps []types.MeterSnapshot
		require.NoError(t, json.NewDecoder(w.Body).Decode(&snaps))
		require.Len(t, snaps, 2)
		assert.Equal(t, "ELEC001", snaps[0].Meter.Serial)
		// no poll has run this process, the data is from an earlier one
		assert.True(t, snaps[0].Stale)
		assert.True(t, snaps[1].Stale)
	})

	t.Run("StorageError", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("ListMeters", mock.Anything).Return([]types.Meter(nil), assert.AnError)

		srv := newTestServer(&eonnextmock.MockAPI{}, db)
		req := httptest.NewRequest("GET", "/api/meters", nil)
		w := httptest.NewRecorder()
		srv.handleMeters(w, req)
		assert.Equal(t, http.StatusInternalServerError, w.Result().StatusCode)
	})
}

func TestHandleHistoryConsumption(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	readings := []types.Reading{
		{TSStart: start, TSEnd: start.Add(30 * time.Minute), ConsumptionKWH: 0.25},
	}

	t.Run("Success", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetConsumptionHistory", mock.Anything, "ELEC001", start, end).Return(readings, nil)

		srv := newTestServer(&eonnextmock.MockAPI{}, db)
		url := fmt.Sprintf("/api/history/consumption?serial=ELEC001&start=%s&end=%s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
		req := httptest.NewRequest("GET", url, nil)
		w := httptest.NewRecorder()
		srv.handleHistoryConsumption(w, req)

		require.Equal(t, http.StatusOK, w.Result().StatusCode)
		// the range ended long before today, so it can be cached for a day
		assert.Equal(t, "private, max-age=86400", w.Header().Get("Cache-Control"))
		var got []types.Reading
		require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		require.Len(t, got, 1)
		assert.Equal(t, 0.25, got[0].ConsumptionKWH)
	})

	t.Run("MissingSerial", func(t *testing.T) {
		srv := newTestServer(&eonnextmock.MockAPI{}, &storagemock.MockDatabase{})
		req := httptest.NewRequest("GET", "/api/history/consumption", nil)
		w := httptest.NewRecorder()
		srv.handleHistoryConsumption(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	})

	t.Run("InvalidRange", func(t *testing.T) {
		srv := newTestServer(&eonnextmock.MockAPI{}, &storagemock.MockDatabase{})
		url := fmt.Sprintf("/api/history/consumption?serial=ELEC001&start=%s&end=%s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
		req := httptest.NewRequest("GET", url, nil)
		w := httptest.NewRecorder()
		srv.handleHistoryConsumption(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	})

	t.Run("RangeTooLarge", func(t *testing.T) {
		srv := newTestServer(&eonnextmock.MockAPI{}, &storagemock.MockDatabase{})
		url := fmt.Sprintf("/api/history/consumption?serial=ELEC001&start=%s&end=%s",
			start.Format(time.RFC3339), start.AddDate(0, 0, 45).Format(time.RFC3339))
		req := httptest.NewRequest("GET", url, nil)
		w := httptest.NewRecorder()
		srv.handleHistoryConsumption(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	})
}
