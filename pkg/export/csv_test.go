package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, Table{
		Headers: []string{"subject", "change", "note"},
		Rows: [][]string{
			{"Physics", "value_update", "80% → 82%"},
			{"Chem, Lab", "new_item"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "subject,change,note\nPhysics,value_update,80% → 82%\n\"Chem, Lab\",new_item,\n", buf.String())
}

func TestWriteCSVRejectsBadShapes(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, WriteCSV(&buf, Table{}))
	assert.Error(t, WriteCSV(&buf, Table{Headers: []string{"a"}, Rows: [][]string{{"1", "2"}}}))
}
