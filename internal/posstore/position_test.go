package posstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPositionStringFileOffset(t *testing.T) {
	p := Position{BinlogFile: "binlog.000005", Offset: 4321}
	assert.Equal(t, "binlog.000005:4321", p.String())
}

func TestPositionStringGTID(t *testing.T) {
	p := Position{GTIDSet: "3E11FA47-71CA-11E1-9E33-C80AA9429562:1-5"}
	assert.Equal(t, "gtid:3E11FA47-71CA-11E1-9E33-C80AA9429562:1-5", p.String())
}

func TestPositionLessFileOffset(t *testing.T) {
	a := Position{BinlogFile: "binlog.000001", Offset: 100}
	b := Position{BinlogFile: "binlog.000001", Offset: 200}
	c := Position{BinlogFile: "binlog.000002", Offset: 10}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.True(t, a.LessOrEqual(a))
	assert.False(t, b.Less(a))
}

func TestPositionLessGTIDMode(t *testing.T) {
	a := Position{GTIDSet: "uuid:1-5"}
	b := Position{GTIDSet: "uuid:2-5"}
	assert.True(t, a.Less(b))
}
