package telemetry

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresSink_Send(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewPostgresSink(db, "slot_readings")
	ts := time.Now()
	b := NewBatch("kitchen-1", []Reading{
		{Slot: 1, WeightKg: 0.5, Timestamp: ts},
		{Slot: 0, WeightKg: 1.25, Timestamp: ts},
	}, ts)

	expectedQuery := regexp.QuoteMeta("INSERT INTO slot_readings (batch_id, device_id, slot_id, weight_kg, ts) VALUES ($1,$2,$3,$4,$5),($6,$7,$8,$9,$10) ON CONFLICT (batch_id, slot_id) DO NOTHING")
	mock.ExpectExec(expectedQuery).
		WithArgs(b.ID.String(), "kitchen-1", 0, 1.25, ts, b.ID.String(), "kitchen-1", 1, 0.5, ts).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, sink.Send(context.Background(), b))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_SendEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewPostgresSink(db, "slot_readings")
	require.NoError(t, sink.Send(context.Background(), NewBatch("d", nil, time.Now())))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_ErrorIsTransient(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO slot_readings").WillReturnError(errors.New("connection refused"))

	sink := NewPostgresSink(db, "slot_readings")
	err = sink.Send(context.Background(), NewBatch("d", []Reading{{Slot: 0}}, time.Now()))
	require.Error(t, err)
	assert.True(t, errorsIsTransient(err))
	assert.Equal(t, "postgres", sink.Name())
}
