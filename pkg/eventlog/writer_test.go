package eventlog

import (
	"testing"

	"triangulum/pkg/proto"
)

func TestWriteAndReadMessages(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	first := proto.NewTaskRequest("orchestrator", "observer", proto.ActionDetect, "bug_1", "a.go")
	second := proto.NewTaskResult(first, "observer", proto.StatusPass)

	if err := writer.WriteMessage(first); err != nil {
		t.Fatalf("Failed to write message: %v", err)
	}
	if err := writer.WriteMessage(second); err != nil {
		t.Fatalf("Failed to write message: %v", err)
	}

	messages, err := ReadMessages(writer.CurrentLogFile())
	if err != nil {
		t.Fatalf("Failed to read messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(messages))
	}
	if messages[0].ID != first.ID {
		t.Errorf("First message ID mismatch: %s != %s", messages[0].ID, first.ID)
	}
	if messages[1].Type != proto.MsgTypeTaskResult {
		t.Errorf("Expected TASK_RESULT, got %s", messages[1].Type)
	}
	if messages[1].CorrelationID != first.CorrelationID {
		t.Error("Correlation ID lost in round-trip")
	}
}

func TestListLogFiles(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	msg := proto.NewAgentMsg(proto.MsgTypeError, "bus", "orchestrator")
	if err := writer.WriteMessage(msg); err != nil {
		t.Fatal(err)
	}

	files, err := ListLogFiles(dir)
	if err != nil {
		t.Fatalf("Failed to list log files: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("Expected 1 log file, got %d", len(files))
	}
}

func TestReadMessagesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	path := writer.CurrentLogFile()
	writer.Close()

	messages, err := ReadMessages(path)
	if err != nil {
		t.Fatalf("Reading empty log should not error: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("Expected 0 messages, got %d", len(messages))
	}
}
