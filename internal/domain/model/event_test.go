package model

import (
	"testing"
	"time"
)

func TestParseUploadEvent_Defaults(t *testing.T) {
	ev, err := ParseUploadEvent(map[string]string{
		"filename":    "report.pdf",
		"storage_url": "s3://bucket/report.pdf",
	})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if ev.Operation != OperationUpload {
		t.Errorf("Operation: ожидалось %q, получено %q", OperationUpload, ev.Operation)
	}
	if ev.MimeType != DefaultMimeType {
		t.Errorf("MimeType: ожидалось %q, получено %q", DefaultMimeType, ev.MimeType)
	}
	if ev.UploaderID != AnonymousUploader {
		t.Errorf("UploaderID: ожидалось %q, получено %q", AnonymousUploader, ev.UploaderID)
	}
	if ev.Size != 0 {
		t.Errorf("Size: ожидалось 0, получено %d", ev.Size)
	}
	if ev.AlreadyStored {
		t.Error("AlreadyStored: ожидалось false при отсутствии поля")
	}
	if ev.EventTime.IsZero() {
		t.Error("EventTime: ожидалось текущее время, получен нулевой timestamp")
	}
}

func TestParseUploadEvent_AllFields(t *testing.T) {
	ev, err := ParseUploadEvent(map[string]string{
		"operation":      "UPLOAD",
		"filename":       "photo.jpg",
		"size":           "204800",
		"mime_type":      "image/jpeg",
		"storage_url":    "https://cdn.example.com/photo.jpg",
		"uploader_id":    "user-42",
		"ts":             "2026-03-01T12:30:45Z",
		"already_stored": "true",
	})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if ev.Size != 204800 {
		t.Errorf("Size: ожидалось 204800, получено %d", ev.Size)
	}
	if !ev.AlreadyStored {
		t.Error("AlreadyStored: ожидалось true")
	}
	if ev.UploaderID != "user-42" {
		t.Errorf("UploaderID: получено %q", ev.UploaderID)
	}
	want := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)
	if !ev.EventTime.Equal(want) {
		t.Errorf("EventTime: ожидалось %v, получено %v", want, ev.EventTime)
	}
}

func TestParseUploadEvent_InvalidSize(t *testing.T) {
	tests := []struct {
		name string
		size string
	}{
		{"не число", "abc"},
		{"отрицательное", "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUploadEvent(map[string]string{
				"filename": "a.txt",
				"size":     tt.size,
			})
			if err == nil {
				t.Errorf("ожидалась ошибка для size=%q", tt.size)
			}
		})
	}
}

func TestParseUploadEvent_InvalidAlreadyStored(t *testing.T) {
	_, err := ParseUploadEvent(map[string]string{
		"filename":       "a.txt",
		"already_stored": "maybe",
	})
	if err == nil {
		t.Error("ожидалась ошибка для already_stored='maybe'")
	}
}

func TestParseEventTime(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{
			"RFC3339 с Z",
			"2026-01-15T08:00:00Z",
			time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC),
		},
		{
			"RFC3339 с наносекундами и смещением",
			"2026-01-15T08:00:00.123456+00:00",
			time.Date(2026, 1, 15, 8, 0, 0, 123456000, time.UTC),
		},
		{
			"наивный формат как UTC",
			"2026-01-15 08:00:00",
			time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseEventTime(tt.raw)
			if !got.Equal(tt.want) {
				t.Errorf("ParseEventTime(%q) = %v, ожидалось %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseEventTime_FallbackToNow(t *testing.T) {
	before := time.Now().UTC()
	got := ParseEventTime("не-дата")
	after := time.Now().UTC()

	if got.Before(before) || got.After(after) {
		t.Errorf("ожидалось текущее время между %v и %v, получено %v", before, after, got)
	}
}
