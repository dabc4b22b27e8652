package scheduler_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knights-analytics/onnxbackend/config"
	"github.com/knights-analytics/onnxbackend/scheduler"
)

func TestBytesRequestChunkedContent(t *testing.T) {
	request := scheduler.NewBytesRequest(2).
		AddContent("INPUT0", []byte{1, 2}, []byte{3, 4, 5}).
		AddContent("INPUT1", []byte{9})

	assert.Equal(t, 2, request.BatchSize())

	chunk, err := request.NextInputContent("INPUT0")
	assert.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, chunk)

	chunk, err = request.NextInputContent("INPUT0")
	assert.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5}, chunk)

	// Exhausted content comes back as nil, as does an unknown input.
	chunk, err = request.NextInputContent("INPUT0")
	assert.NoError(t, err)
	assert.Nil(t, chunk)

	chunk, err = request.NextInputContent("MISSING")
	assert.NoError(t, err)
	assert.Nil(t, chunk)

	chunk, err = request.NextInputContent("INPUT1")
	assert.NoError(t, err)
	assert.Equal(t, []byte{9}, chunk)
}

func TestBytesRequestOverrides(t *testing.T) {
	override := scheduler.InputOverride{Name: "EXTRA", DataType: config.Int32, Dims: []int64{1}}
	request := scheduler.NewBytesRequest(1).AddOverride(override, []byte{1, 0, 0, 0})

	assert.Equal(t, []scheduler.InputOverride{override}, request.InputOverrides())

	chunk, err := request.NextInputContent("EXTRA")
	assert.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 0}, chunk)
}

func TestBytesResponseOutputSelection(t *testing.T) {
	all := scheduler.NewBytesResponse()
	assert.True(t, all.RequiresOutput("OUTPUT0"))
	assert.True(t, all.RequiresOutput("anything"))

	selected := scheduler.NewBytesResponse("OUTPUT1")
	assert.False(t, selected.RequiresOutput("OUTPUT0"))
	assert.True(t, selected.RequiresOutput("OUTPUT1"))
}

func TestBytesResponseAllocation(t *testing.T) {
	response := scheduler.NewBytesResponse()

	buffer, err := response.AllocateOutputBuffer("OUTPUT0", 8, []int64{2, 1})
	assert.NoError(t, err)
	assert.Len(t, buffer, 8)
	copy(buffer, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, response.Outputs["OUTPUT0"])
	assert.Equal(t, []int64{2, 1}, response.Shapes["OUTPUT0"])

	_, err = response.AllocateOutputBuffer("OUTPUT0", -1, nil)
	assert.Error(t, err)

	response.AllocFn = func(name string, byteSize int, shape []int64) ([]byte, error) {
		return nil, fmt.Errorf("out of memory")
	}
	_, err = response.AllocateOutputBuffer("OUTPUT1", 4, []int64{1})
	assert.ErrorContains(t, err, "out of memory")
	assert.NotContains(t, response.Outputs, "OUTPUT1")
}

func TestPayloadFirstErrorSticks(t *testing.T) {
	payload := scheduler.NewPayload(scheduler.NewBytesRequest(1), scheduler.NewBytesResponse())
	assert.True(t, payload.OK())
	assert.NoError(t, payload.Err())

	first := fmt.Errorf("first failure")
	payload.MarkFailed(first)
	payload.MarkFailed(fmt.Errorf("second failure"))

	assert.False(t, payload.OK())
	assert.Equal(t, first, payload.Err())
}
