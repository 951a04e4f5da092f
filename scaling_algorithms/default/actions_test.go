// This file defines mock types and methods to test the
// different actions on the scaling algorithm.

package scaling_algorithms

import (
	"context"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/whisthq/whist/backend/webserver/config"
	"github.com/whisthq/whist/backend/webserver/dbdriver"
	"github.com/whisthq/whist/backend/webserver/hosts"
	"github.com/whisthq/whist/backend/webserver/maintenance"
	"github.com/whisthq/whist/backend/webserver/types"
	"github.com/whisthq/whist/backend/webserver/utils"
)

var (
	testInstances   []dbdriver.Instance
	testImages      []dbdriver.Image
	testMandelboxes []dbdriver.Mandelbox
	testLock        sync.Mutex
)

// mockDBClient is an in-memory StateStore used to test the scaling actions.
type mockDBClient struct {
	// imageLocks records every (region, imageID) pair WithImageLock was
	// called with, as "region/imageID".
	imageLocks []string
}

func (db *mockDBClient) ClaimFreeInstance(ctx context.Context, region string, commitHash string) (dbdriver.Instance, error) {
	testLock.Lock()
	defer testLock.Unlock()

	candidate := -1
	for i, instance := range testInstances {
		if instance.Region == region &&
			instance.ClientSHA == commitHash &&
			instance.Status == dbdriver.InstanceStatusActive &&
			instance.RemainingCapacity > 0 {
			if candidate == -1 || instance.RemainingCapacity < testInstances[candidate].RemainingCapacity {
				candidate = i
			}
		}
	}

	if candidate == -1 {
		return dbdriver.Instance{}, dbdriver.ErrNotFound
	}

	testInstances[candidate].RemainingCapacity--
	return testInstances[candidate], nil
}

func (db *mockDBClient) QueryInstance(ctx context.Context, name string) (dbdriver.Instance, error) {
	testLock.Lock()
	defer testLock.Unlock()

	for _, instance := range testInstances {
		if instance.Name == name {
			return instance, nil
		}
	}
	return dbdriver.Instance{}, dbdriver.ErrNotFound
}

func (db *mockDBClient) QueryInstancesByStatusOnRegion(ctx context.Context, status dbdriver.InstanceStatus, region string) ([]dbdriver.Instance, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var result []dbdriver.Instance
	for _, instance := range testInstances {
		if instance.Status == status && instance.Region == region {
			result = append(result, instance)
		}
	}
	return result, nil
}

func (db *mockDBClient) QueryInstancesByImageOnRegion(ctx context.Context, imageID string, region string) ([]dbdriver.Instance, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var result []dbdriver.Instance
	for _, instance := range testInstances {
		if instance.ImageID == imageID && instance.Region == region {
			result = append(result, instance)
		}
	}
	return result, nil
}

func (db *mockDBClient) QueryRegionImagePairs(ctx context.Context) ([]dbdriver.RegionImagePair, error) {
	testLock.Lock()
	defer testLock.Unlock()

	seen := map[dbdriver.RegionImagePair]bool{}
	var pairs []dbdriver.RegionImagePair
	for _, instance := range testInstances {
		if instance.Status == dbdriver.InstanceStatusDraining {
			continue
		}
		pair := dbdriver.RegionImagePair{Region: instance.Region, ImageID: instance.ImageID}
		if !seen[pair] {
			seen[pair] = true
			pairs = append(pairs, pair)
		}
	}
	for _, image := range testImages {
		if !image.Active {
			continue
		}
		pair := dbdriver.RegionImagePair{Region: image.Region, ImageID: image.ImageID}
		if !seen[pair] {
			seen[pair] = true
			pairs = append(pairs, pair)
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Region != pairs[j].Region {
			return pairs[i].Region < pairs[j].Region
		}
		return pairs[i].ImageID < pairs[j].ImageID
	})
	return pairs, nil
}

func (db *mockDBClient) ListRunningInstances(ctx context.Context, excludedImages []string) ([]dbdriver.Instance, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var result []dbdriver.Instance
	for _, instance := range testInstances {
		if instance.Status == dbdriver.InstanceStatusDraining {
			continue
		}
		if utils.StringSliceContains(excludedImages, instance.ImageID) {
			continue
		}
		result = append(result, instance)
	}
	return result, nil
}

func (db *mockDBClient) InsertInstances(ctx context.Context, instances []dbdriver.Instance) (int, error) {
	testLock.Lock()
	defer testLock.Unlock()

	testInstances = append(testInstances, instances...)
	return len(instances), nil
}

func (db *mockDBClient) UpdateInstanceStatus(ctx context.Context, name string, status dbdriver.InstanceStatus) (int, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var updated int
	for i, instance := range testInstances {
		if instance.Name == name {
			testInstances[i].Status = status
			updated++
		}
	}
	return updated, nil
}

func (db *mockDBClient) DeleteInstance(ctx context.Context, name string) (int, error) {
	testLock.Lock()
	defer testLock.Unlock()

	for i, instance := range testInstances {
		if instance.Name == name {
			testInstances = append(testInstances[:i], testInstances[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (db *mockDBClient) DrainInstanceIfEmpty(ctx context.Context, name string) (bool, error) {
	testLock.Lock()
	defer testLock.Unlock()

	for i, instance := range testInstances {
		if instance.Name == name {
			if instance.RemainingCapacity != instance.MandelboxCapacity {
				return false, nil
			}
			testInstances[i].Status = dbdriver.InstanceStatusDraining
			return true, nil
		}
	}
	return false, nil
}

func (db *mockDBClient) WriteHeartbeat(ctx context.Context, name string, ip string) error {
	testLock.Lock()
	defer testLock.Unlock()

	for i, instance := range testInstances {
		if instance.Name == name {
			testInstances[i].LastHeartbeatAt = time.Now().UnixMilli()
			if ip != "" {
				testInstances[i].IPAddress = ip
			}
			if instance.Status == dbdriver.InstanceStatusPreConnection {
				testInstances[i].Status = dbdriver.InstanceStatusActive
			}
			return nil
		}
	}
	return dbdriver.ErrNotFound
}

func (db *mockDBClient) QueryActiveImage(ctx context.Context, region string) (dbdriver.Image, error) {
	testLock.Lock()
	defer testLock.Unlock()

	for _, image := range testImages {
		if image.Region == region && image.Active {
			return image, nil
		}
	}
	return dbdriver.Image{}, dbdriver.ErrNotFound
}

func (db *mockDBClient) QueryImage(ctx context.Context, region string, imageID string) (dbdriver.Image, error) {
	testLock.Lock()
	defer testLock.Unlock()

	for _, image := range testImages {
		if image.Region == region && image.ImageID == imageID {
			return image, nil
		}
	}
	return dbdriver.Image{}, dbdriver.ErrNotFound
}

func (db *mockDBClient) InsertImage(ctx context.Context, image dbdriver.Image) error {
	testLock.Lock()
	defer testLock.Unlock()

	for i, existing := range testImages {
		if existing.Region == image.Region && existing.ImageID == image.ImageID {
			testImages[i] = image
			return nil
		}
	}
	testImages = append(testImages, image)
	return nil
}

func (db *mockDBClient) SetImageProtected(ctx context.Context, region string, imageID string, protected bool) error {
	testLock.Lock()
	defer testLock.Unlock()

	for i, image := range testImages {
		if image.Region == region && image.ImageID == imageID {
			testImages[i].Protected = protected
			return nil
		}
	}
	return dbdriver.ErrNotFound
}

func (db *mockDBClient) DeleteImage(ctx context.Context, region string, imageID string) error {
	testLock.Lock()
	defer testLock.Unlock()

	for i, image := range testImages {
		if image.Region == region && image.ImageID == imageID {
			testImages = append(testImages[:i], testImages[i+1:]...)
			return nil
		}
	}
	return nil
}

func (db *mockDBClient) SwapActiveImages(ctx context.Context, newImages []dbdriver.Image) ([]dbdriver.Instance, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var newImageIDs []string
	for _, newImage := range newImages {
		newImageIDs = append(newImageIDs, newImage.ImageID)

		for i, image := range testImages {
			if image.Region == newImage.Region {
				testImages[i].Active = false
			}
		}

		var found bool
		for i, image := range testImages {
			if image.Region == newImage.Region && image.ImageID == newImage.ImageID {
				testImages[i].Active = true
				testImages[i].Protected = false
				testImages[i].ClientSHA = newImage.ClientSHA
				found = true
			}
		}
		if !found {
			testImages = append(testImages, dbdriver.Image{
				Region:    newImage.Region,
				ImageID:   newImage.ImageID,
				ClientSHA: newImage.ClientSHA,
				Active:    true,
			})
		}
	}

	var drained []dbdriver.Instance
	for i, instance := range testInstances {
		if instance.Status == dbdriver.InstanceStatusDraining {
			continue
		}
		if utils.StringSliceContains(newImageIDs, instance.ImageID) {
			continue
		}
		testInstances[i].Status = dbdriver.InstanceStatusDraining
		drained = append(drained, testInstances[i])
	}
	return drained, nil
}

func (db *mockDBClient) WithImageLock(ctx context.Context, region string, imageID string, fn func(store dbdriver.StateStore) error) error {
	testLock.Lock()
	db.imageLocks = append(db.imageLocks, region+"/"+imageID)
	testLock.Unlock()

	return fn(db)
}

func (db *mockDBClient) lockedImagePairs() []string {
	testLock.Lock()
	defer testLock.Unlock()
	return append([]string{}, db.imageLocks...)
}

func (db *mockDBClient) InsertMandelbox(ctx context.Context, mandelbox dbdriver.Mandelbox) error {
	testLock.Lock()
	defer testLock.Unlock()

	testMandelboxes = append(testMandelboxes, mandelbox)
	return nil
}

func (db *mockDBClient) UpdateMandelboxStatus(ctx context.Context, id types.MandelboxID, status dbdriver.MandelboxStatus) error {
	testLock.Lock()
	defer testLock.Unlock()

	for i, mandelbox := range testMandelboxes {
		if mandelbox.ID != id {
			continue
		}
		if status == dbdriver.MandelboxStatusDying && mandelbox.Status != dbdriver.MandelboxStatusDying {
			for j, instance := range testInstances {
				if instance.Name == mandelbox.InstanceName && instance.RemainingCapacity < instance.MandelboxCapacity {
					testInstances[j].RemainingCapacity++
				}
			}
		}
		testMandelboxes[i].Status = status
		return nil
	}
	return dbdriver.ErrNotFound
}

func (db *mockDBClient) QueryMandelboxesByUser(ctx context.Context, userID types.UserID) ([]dbdriver.Mandelbox, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var result []dbdriver.Mandelbox
	for _, mandelbox := range testMandelboxes {
		if mandelbox.UserID == userID && mandelbox.Status != dbdriver.MandelboxStatusDying {
			result = append(result, mandelbox)
		}
	}
	return result, nil
}

// mockHostHandler records the cloud operations the scaling actions perform.
type mockHostHandler struct {
	mu sync.Mutex

	region string
	// spinUpError, when set, makes every launch fail.
	spinUpError error
	// silentInstances never report a heartbeat.
	silentInstances map[string]bool
	launchCounter   int

	spunUp    []string
	spunDown  []types.CloudProviderID
	drained   []string
}

func (h *mockHostHandler) Initialize(region string) error {
	h.region = region
	return nil
}

func (h *mockHostHandler) SpinUpInstances(ctx context.Context, numInstances int32, maxWaitTime time.Duration, image dbdriver.Image) ([]dbdriver.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.spinUpError != nil {
		return nil, h.spinUpError
	}

	var created []dbdriver.Instance
	for i := int32(0); i < numInstances; i++ {
		h.launchCounter++
		name := utils.Sprintf("test-instance-%s-%d", h.region, h.launchCounter)
		h.spunUp = append(h.spunUp, name)
		created = append(created, dbdriver.Instance{
			Name:            name,
			Region:          h.region,
			ImageID:         image.ImageID,
			ClientSHA:       image.ClientSHA,
			CloudProviderID: utils.Sprintf("i-%d", h.launchCounter),
			IPAddress:       "1.2.3.4",
			Type:            "g4dn.xlarge",
			Status:          dbdriver.InstanceStatusPreConnection,
			CreatedAt:       time.Now().UnixMilli(),
		})
	}
	return created, nil
}

func (h *mockHostHandler) SpinDownInstances(ctx context.Context, cloudIDs []types.CloudProviderID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.spunDown = append(h.spunDown, cloudIDs...)
	return nil
}

func (h *mockHostHandler) DrainInstance(ctx context.Context, instance dbdriver.Instance) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.drained = append(h.drained, instance.Name)
	return nil
}

func (h *mockHostHandler) WaitForInstanceTermination(ctx context.Context, maxWaitTime time.Duration, cloudIDs []types.CloudProviderID) error {
	return nil
}

func (h *mockHostHandler) WaitForInstanceReady(ctx context.Context, maxWaitTime time.Duration, cloudIDs []types.CloudProviderID) error {
	return nil
}

func (h *mockHostHandler) WaitForHeartbeat(ctx context.Context, name string, maxWaitTime time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.silentInstances[name] {
		return hosts.ErrHeartbeatTimeout
	}
	return nil
}

var _ hosts.HostHandler = &mockHostHandler{}

// newTestAlgorithm resets the shared test state and returns an algorithm
// wired to fresh mocks.
func newTestAlgorithm(t *testing.T, region string) (*DefaultScalingAlgorithm, *mockHostHandler) {
	t.Helper()

	testLock.Lock()
	testInstances = nil
	testImages = nil
	testMandelboxes = nil
	testLock.Unlock()

	host := &mockHostHandler{region: region, silentInstances: map[string]bool{}}
	algorithm := &DefaultScalingAlgorithm{
		Host:     host,
		DB:       &mockDBClient{},
		Gate:     maintenance.New(),
		Registry: NewScaleRegistry(),
		Region:   region,
	}
	return algorithm, host
}

func addTestInstance(instance dbdriver.Instance) {
	testLock.Lock()
	defer testLock.Unlock()
	testInstances = append(testInstances, instance)
}

func addTestImage(image dbdriver.Image) {
	testLock.Lock()
	defer testLock.Unlock()
	testImages = append(testImages, image)
}

func instanceByName(name string) (dbdriver.Instance, bool) {
	testLock.Lock()
	defer testLock.Unlock()
	for _, instance := range testInstances {
		if instance.Name == name {
			return instance, true
		}
	}
	return dbdriver.Instance{}, false
}

func countByStatus(status dbdriver.InstanceStatus) int {
	testLock.Lock()
	defer testLock.Unlock()
	var count int
	for _, instance := range testInstances {
		if instance.Status == status {
			count++
		}
	}
	return count
}

func TestMain(m *testing.M) {
	config.Initialize()
	os.Exit(m.Run())
}

func TestScalingDelta(t *testing.T) {
	var tests = []struct {
		name      string
		imageID   string
		instances []dbdriver.Instance
		want      int
	}{
		{
			name:    "image no longer active drains everything",
			imageID: "ami-old",
			want:    drainAll,
		},
		{
			name:    "no instances launches one",
			imageID: "ami-current",
			want:    1,
		},
		{
			name:    "free capacity below buffer launches one",
			imageID: "ami-current",
			instances: []dbdriver.Instance{
				{Name: "i-1", Region: "us-east-1", ImageID: "ami-current", Status: dbdriver.InstanceStatusActive, RemainingCapacity: 4, MandelboxCapacity: 16},
			},
			want: 1,
		},
		{
			name:    "an instance worth of surplus drains one",
			imageID: "ami-current",
			instances: []dbdriver.Instance{
				{Name: "i-1", Region: "us-east-1", ImageID: "ami-current", Status: dbdriver.InstanceStatusActive, RemainingCapacity: 16, MandelboxCapacity: 16},
				{Name: "i-2", Region: "us-east-1", ImageID: "ami-current", Status: dbdriver.InstanceStatusActive, RemainingCapacity: 16, MandelboxCapacity: 16},
			},
			want: -1,
		},
		{
			name:    "buffer satisfied does nothing",
			imageID: "ami-current",
			instances: []dbdriver.Instance{
				{Name: "i-1", Region: "us-east-1", ImageID: "ami-current", Status: dbdriver.InstanceStatusActive, RemainingCapacity: 12, MandelboxCapacity: 16},
			},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			algorithm, _ := newTestAlgorithm(t, "us-east-1")
			addTestImage(dbdriver.Image{Region: "us-east-1", ImageID: "ami-current", ClientSHA: "sha-1", Active: true})
			for _, instance := range tt.instances {
				addTestInstance(instance)
			}

			got, err := algorithm.scalingDelta(context.Background(), "us-east-1", tt.imageID)
			if err != nil {
				t.Fatalf("scalingDelta returned an error: %v", err)
			}
			if got != tt.want {
				t.Errorf("scalingDelta = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifyCapacityScalesUp(t *testing.T) {
	algorithm, host := newTestAlgorithm(t, "us-east-1")
	addTestImage(dbdriver.Image{Region: "us-east-1", ImageID: "ami-current", ClientSHA: "sha-1", Active: true})

	event := ScalingEvent{ID: "test-event", Region: "us-east-1"}
	if err := algorithm.VerifyCapacity(context.Background(), event); err != nil {
		t.Fatalf("VerifyCapacity returned an error: %v", err)
	}

	if len(host.spunUp) != 1 {
		t.Errorf("expected 1 launched instance, got %v", len(host.spunUp))
	}

	instance, ok := instanceByName(host.spunUp[0])
	if !ok {
		t.Fatal("launched instance was not registered in the database")
	}
	if instance.RemainingCapacity != instance.MandelboxCapacity {
		t.Errorf("new instance should start with full capacity, got %v of %v", instance.RemainingCapacity, instance.MandelboxCapacity)
	}
}

func TestScaleUpCleansUpSilentInstances(t *testing.T) {
	algorithm, host := newTestAlgorithm(t, "us-east-1")
	host.silentInstances["test-instance-us-east-1-1"] = true

	image := dbdriver.Image{Region: "us-east-1", ImageID: "ami-current", ClientSHA: "sha-1", Active: true}
	addTestImage(image)

	event := ScalingEvent{ID: "test-event", Region: "us-east-1"}
	err := algorithm.ScaleUpIfNecessary(2, context.Background(), event, image)
	if err == nil {
		t.Fatal("expected scale up to report the silent instance")
	}

	// The healthy instance stays, the silent one is terminated and deleted.
	if _, ok := instanceByName("test-instance-us-east-1-1"); ok {
		t.Error("silent instance should have been deleted from the database")
	}
	if _, ok := instanceByName("test-instance-us-east-1-2"); !ok {
		t.Error("healthy instance should remain in the database")
	}
	if len(host.spunDown) != 1 {
		t.Errorf("expected 1 terminated instance, got %v", len(host.spunDown))
	}
}

func TestScaleDownDrainsSurplus(t *testing.T) {
	algorithm, host := newTestAlgorithm(t, "us-east-1")
	addTestImage(dbdriver.Image{Region: "us-east-1", ImageID: "ami-current", ClientSHA: "sha-1", Active: true})
	addTestInstance(dbdriver.Instance{Name: "i-1", Region: "us-east-1", ImageID: "ami-current", ClientSHA: "sha-1", Status: dbdriver.InstanceStatusActive, RemainingCapacity: 16, MandelboxCapacity: 16, LastHeartbeatAt: time.Now().UnixMilli()})
	addTestInstance(dbdriver.Instance{Name: "i-2", Region: "us-east-1", ImageID: "ami-current", ClientSHA: "sha-1", Status: dbdriver.InstanceStatusActive, RemainingCapacity: 16, MandelboxCapacity: 16, LastHeartbeatAt: time.Now().UnixMilli()})

	event := ScalingEvent{ID: "test-event", Type: ScheduledScaleDownEvent, Region: "us-east-1"}
	if err := algorithm.ScaleDownIfNecessary(context.Background(), event); err != nil {
		t.Fatalf("ScaleDownIfNecessary returned an error: %v", err)
	}

	if got := countByStatus(dbdriver.InstanceStatusDraining); got != 1 {
		t.Errorf("expected exactly 1 draining instance, got %v", got)
	}
	if len(host.drained) != 1 {
		t.Errorf("expected 1 drain request, got %v", len(host.drained))
	}
}

func TestScaleDownSparesBusyInstances(t *testing.T) {
	algorithm, host := newTestAlgorithm(t, "us-east-1")
	addTestImage(dbdriver.Image{Region: "us-east-1", ImageID: "ami-current", ClientSHA: "sha-1", Active: true})
	// Plenty of surplus, but every instance has sessions running.
	addTestInstance(dbdriver.Instance{Name: "i-1", Region: "us-east-1", ImageID: "ami-current", ClientSHA: "sha-1", Status: dbdriver.InstanceStatusActive, RemainingCapacity: 15, MandelboxCapacity: 16, LastHeartbeatAt: time.Now().UnixMilli()})
	addTestInstance(dbdriver.Instance{Name: "i-2", Region: "us-east-1", ImageID: "ami-current", ClientSHA: "sha-1", Status: dbdriver.InstanceStatusActive, RemainingCapacity: 15, MandelboxCapacity: 16, LastHeartbeatAt: time.Now().UnixMilli()})

	event := ScalingEvent{ID: "test-event", Type: ScheduledScaleDownEvent, Region: "us-east-1"}
	if err := algorithm.ScaleDownIfNecessary(context.Background(), event); err != nil {
		t.Fatalf("ScaleDownIfNecessary returned an error: %v", err)
	}

	if got := countByStatus(dbdriver.InstanceStatusDraining); got != 0 {
		t.Errorf("expected no draining instances, got %v", got)
	}
	if len(host.drained) != 0 {
		t.Errorf("expected no drain requests, got %v", len(host.drained))
	}
}

func TestScaleDownDrainsStaleImages(t *testing.T) {
	algorithm, _ := newTestAlgorithm(t, "us-east-1")
	addTestImage(dbdriver.Image{Region: "us-east-1", ImageID: "ami-current", ClientSHA: "sha-1", Active: true})
	addTestInstance(dbdriver.Instance{Name: "i-old", Region: "us-east-1", ImageID: "ami-old", ClientSHA: "sha-0", Status: dbdriver.InstanceStatusActive, RemainingCapacity: 16, MandelboxCapacity: 16, LastHeartbeatAt: time.Now().UnixMilli()})
	addTestInstance(dbdriver.Instance{Name: "i-new", Region: "us-east-1", ImageID: "ami-current", ClientSHA: "sha-1", Status: dbdriver.InstanceStatusActive, RemainingCapacity: 12, MandelboxCapacity: 16, LastHeartbeatAt: time.Now().UnixMilli()})

	event := ScalingEvent{ID: "test-event", Type: ScheduledScaleDownEvent, Region: "us-east-1"}
	if err := algorithm.ScaleDownIfNecessary(context.Background(), event); err != nil {
		t.Fatalf("ScaleDownIfNecessary returned an error: %v", err)
	}

	old, _ := instanceByName("i-old")
	if old.Status != dbdriver.InstanceStatusDraining {
		t.Errorf("expected stale-image instance to be draining, got %v", old.Status)
	}
	current, _ := instanceByName("i-new")
	if current.Status != dbdriver.InstanceStatusActive {
		t.Errorf("expected current-image instance to stay active, got %v", current.Status)
	}
}

func TestScaleDownSkipsProtectedImages(t *testing.T) {
	algorithm, _ := newTestAlgorithm(t, "us-east-1")
	addTestImage(dbdriver.Image{Region: "us-east-1", ImageID: "ami-current", ClientSHA: "sha-1", Active: true})
	// A protected buffer being pre-warmed by an upgrade.
	addTestImage(dbdriver.Image{Region: "us-east-1", ImageID: "ami-next", ClientSHA: "sha-2", Active: false, Protected: true})
	addTestInstance(dbdriver.Instance{Name: "i-buffer", Region: "us-east-1", ImageID: "ami-next", ClientSHA: "sha-2", Status: dbdriver.InstanceStatusActive, RemainingCapacity: 16, MandelboxCapacity: 16, LastHeartbeatAt: time.Now().UnixMilli()})

	event := ScalingEvent{ID: "test-event", Type: ScheduledScaleDownEvent, Region: "us-east-1"}
	if err := algorithm.ScaleDownIfNecessary(context.Background(), event); err != nil {
		t.Fatalf("ScaleDownIfNecessary returned an error: %v", err)
	}

	buffer, _ := instanceByName("i-buffer")
	if buffer.Status != dbdriver.InstanceStatusActive {
		t.Errorf("expected protected buffer instance to stay active, got %v", buffer.Status)
	}
}

func TestScaleDownReapsLingeringInstances(t *testing.T) {
	algorithm, host := newTestAlgorithm(t, "us-east-1")
	addTestImage(dbdriver.Image{Region: "us-east-1", ImageID: "ami-current", ClientSHA: "sha-1", Active: true})
	addTestInstance(dbdriver.Instance{Name: "i-current", Region: "us-east-1", ImageID: "ami-current", ClientSHA: "sha-1", Status: dbdriver.InstanceStatusActive, RemainingCapacity: 12, MandelboxCapacity: 16, LastHeartbeatAt: time.Now().UnixMilli()})
	// Draining for an hour without reporting completion.
	addTestInstance(dbdriver.Instance{Name: "i-stuck", Region: "us-east-1", ImageID: "ami-current", ClientSHA: "sha-1", CloudProviderID: "i-0stuck", Status: dbdriver.InstanceStatusDraining, RemainingCapacity: 16, MandelboxCapacity: 16, LastHeartbeatAt: time.Now().Add(-time.Hour).UnixMilli()})

	event := ScalingEvent{ID: "test-event", Type: ScheduledScaleDownEvent, Region: "us-east-1"}
	if err := algorithm.ScaleDownIfNecessary(context.Background(), event); err != nil {
		t.Fatalf("ScaleDownIfNecessary returned an error: %v", err)
	}

	if _, ok := instanceByName("i-stuck"); ok {
		t.Error("expected lingering instance to be deleted from the database")
	}
	_ = host
}
