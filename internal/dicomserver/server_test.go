package dicomserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flatmapit/gopacs/internal/config"
	"github.com/flatmapit/gopacs/internal/dicom"
	"github.com/flatmapit/gopacs/internal/server"
	"github.com/flatmapit/gopacs/pkg/types"
)

// startTestServer runs a DICOM server on an ephemeral port and returns
// the modality configuration pointing back at it.
func startTestServer(t *testing.T) (*server.Context, config.ModalityConfig) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.StorageDirectory = t.TempDir()
	cfg.IndexDirectory = t.TempDir()

	ctx, err := server.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(ctx.Close)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := New(ctx)
	go srv.Serve(serveCtx, listener)

	port := listener.Addr().(*net.TCPAddr).Port
	return ctx, config.ModalityConfig{AET: cfg.DICOM.AET, Host: "127.0.0.1", Port: port}
}

func makeInstance(t *testing.T, patient, study, series, sop string) []byte {
	t.Helper()

	ds, err := dicom.CreateDataset(dicom.CreateOptions{Replacements: map[string]string{
		"PatientID":         patient,
		"PatientName":       "DOE^" + patient,
		"StudyInstanceUID":  study,
		"SeriesInstanceUID": series,
		"SOPInstanceUID":    sop,
	}}, dicom.NewUIDGenerator(""))
	require.NoError(t, err)

	data, err := dicom.SerializeFile(ds)
	require.NoError(t, err)
	return data
}

func TestEchoAndStoreOverTheWire(t *testing.T) {
	ctx, modality := startTestServer(t)

	conn, err := DialModality("TESTSCU", modality, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.CEcho())

	data := makeInstance(t, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")
	ds, err := dicom.ParseFile(data)
	require.NoError(t, err)
	sopClass, ok := dicom.GetTagValue(ds, dicom.TagSOPClassUID)
	require.True(t, ok)

	require.NoError(t, conn.CStore(data, sopClass, "1.2.3.4.5"))

	// The instance landed in the store, tagged with the calling AET.
	stats := ctx.GetStatistics()
	assert.Equal(t, uint64(1), stats.CountInstances)

	instances := ctx.ListResources(types.ResourceInstance)
	require.Len(t, instances, 1)
	info, err := ctx.GetResource(instances[0])
	require.NoError(t, err)
	assert.Equal(t, "TESTSCU", info.Metadata["RemoteAET"])

	// Storing the same instance again stays idempotent on the wire.
	require.NoError(t, conn.CStore(data, sopClass, "1.2.3.4.5"))
	stats = ctx.GetStatistics()
	assert.Equal(t, uint64(1), stats.CountInstances)
}

func TestCalledAETCheck(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.StorageDirectory = t.TempDir()
	cfg.IndexDirectory = t.TempDir()
	cfg.DICOM.CheckCalledAET = true

	ctx, err := server.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(ctx.Close)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go New(ctx).Serve(serveCtx, listener)

	port := listener.Addr().(*net.TCPAddr).Port

	// Wrong called AET: the association is rejected.
	_, err = DialModality("TESTSCU",
		config.ModalityConfig{AET: "NOT_THIS_ONE", Host: "127.0.0.1", Port: port},
		5*time.Second)
	require.Error(t, err)

	// Right called AET: accepted.
	conn, err := DialModality("TESTSCU",
		config.ModalityConfig{AET: cfg.DICOM.AET, Host: "127.0.0.1", Port: port},
		5*time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.CEcho())
	conn.Close()
}
