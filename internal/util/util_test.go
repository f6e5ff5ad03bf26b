package util

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "present")
	exists, err := FileExists(path)
	if err != nil || exists {
		t.Fatalf("expected %q to not exist, got exists=%v err=%v", path, exists, err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	exists, err = FileExists(path)
	if err != nil || !exists {
		t.Fatalf("expected %q to exist, got exists=%v err=%v", path, exists, err)
	}
}

func TestDirectoryExists(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	exists, err := DirectoryExists(sub)
	if err != nil || exists {
		t.Fatalf("expected %q to not exist, got exists=%v err=%v", sub, exists, err)
	}
	if err := CreateIfNotExists(sub, 0o755); err != nil {
		t.Fatalf("CreateIfNotExists: %v", err)
	}
	exists, err = DirectoryExists(sub)
	if err != nil || !exists {
		t.Fatalf("expected %q to exist, got exists=%v err=%v", sub, exists, err)
	}
}

func TestStringInList(t *testing.T) {
	list := []string{"a", "b", "c"}
	if !StringInList("b", list) {
		t.Fatal("expected \"b\" to be found")
	}
	if StringInList("z", list) {
		t.Fatal("did not expect \"z\" to be found")
	}
}
