package models

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Submission represents a student's notebook submitted for an assignment.
type Submission struct {
	ID           uint                            `gorm:"primaryKey" json:"id"`
	AssignmentID uint                            `gorm:"not null;index" json:"assignment_id"`
	StudentID    string                          `gorm:"size:128;not null;index" json:"student_id"`
	StudentName  string                          `gorm:"size:255" json:"student_name"`
	Language     string                          `gorm:"size:32;not null" json:"language"`
	Cells        datatypes.JSONSlice[Cell]       `json:"cells"`
	Outputs      datatypes.JSONSlice[CellOutput] `json:"outputs"`
	ContentHash  string                          `gorm:"size:64;index" json:"content_hash"`
	CreatedAt    time.Time                       `json:"created_at"`
	UpdatedAt    time.Time                       `json:"updated_at"`
	Assignment   Assignment                      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// BeforeSave keeps the content hash in sync with the cells.
func (s *Submission) BeforeSave(_ *gorm.DB) error {
	s.ContentHash = HashCells(s.Language, s.Cells)
	return nil
}

// HashCells computes a stable digest over the language and the ordered cells.
func HashCells(language string, cells []Cell) string {
	h := newFieldHasher()
	h.write(language)
	for _, cell := range cells {
		h.write(cell.Type)
		h.write(cell.Source)
	}
	return h.sum()
}

// HashOutputs digests the outputs recorded in the notebook. Two submissions
// with the same cells but different recorded runs hash differently.
func HashOutputs(outputs []CellOutput) string {
	h := newFieldHasher()
	for _, output := range outputs {
		h.write(strconv.FormatBool(output.Success))
		h.write(output.Text)
		h.write(output.Error)
	}
	return h.sum()
}

type fieldHasher struct {
	hash.Hash
}

func newFieldHasher() fieldHasher {
	return fieldHasher{Hash: sha256.New()}
}

// write appends a length-prefixed field so adjacent values cannot collide.
func (h fieldHasher) write(value string) {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(value)))
	h.Write(size[:])
	h.Write([]byte(value))
}

func (h fieldHasher) sum() string {
	return hex.EncodeToString(h.Sum(nil))
}
