package scaling_algorithms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/whisthq/whist/backend/webserver/dbdriver"
	"github.com/whisthq/whist/backend/webserver/hosts"
	"github.com/whisthq/whist/backend/webserver/maintenance"
	"github.com/whisthq/whist/backend/webserver/utils"
)

// newTestFleet resets the shared test state and returns one algorithm per
// region, all sharing a state store and a maintenance gate like the deployed
// webserver does.
func newTestFleet(t *testing.T, regions ...string) (map[string]*DefaultScalingAlgorithm, map[string]*mockHostHandler, *mockDBClient, *maintenance.Gate) {
	t.Helper()

	testLock.Lock()
	testInstances = nil
	testImages = nil
	testMandelboxes = nil
	testLock.Unlock()

	db := &mockDBClient{}
	gate := maintenance.New()
	algorithms := map[string]*DefaultScalingAlgorithm{}
	mockHosts := map[string]*mockHostHandler{}
	for _, region := range regions {
		host := &mockHostHandler{region: region, silentInstances: map[string]bool{}}
		mockHosts[region] = host
		algorithms[region] = &DefaultScalingAlgorithm{
			Host:     host,
			DB:       db,
			Gate:     gate,
			Registry: NewScaleRegistry(),
			Region:   region,
		}
	}
	return algorithms, mockHosts, db, gate
}

func activeImageOf(region string) (dbdriver.Image, bool) {
	testLock.Lock()
	defer testLock.Unlock()
	for _, image := range testImages {
		if image.Region == region && image.Active {
			return image, true
		}
	}
	return dbdriver.Image{}, false
}

func imageExists(region string, imageID string) bool {
	testLock.Lock()
	defer testLock.Unlock()
	for _, image := range testImages {
		if image.Region == region && image.ImageID == imageID {
			return true
		}
	}
	return false
}

func TestUpgradeImagesSwapsAndDrains(t *testing.T) {
	algorithms, mockHosts, db, gate := newTestFleet(t, "us-east-1", "us-east-2")

	addTestImage(dbdriver.Image{Region: "us-east-1", ImageID: "ami-v1-east-1", ClientSHA: "sha-v1", Active: true})
	addTestImage(dbdriver.Image{Region: "us-east-2", ImageID: "ami-v1-east-2", ClientSHA: "sha-v1", Active: true})
	// One empty instance and one with users, both on the old image.
	addTestInstance(dbdriver.Instance{Name: "i-old-empty", Region: "us-east-1", ImageID: "ami-v1-east-1", ClientSHA: "sha-v1", Status: dbdriver.InstanceStatusActive, RemainingCapacity: 16, MandelboxCapacity: 16, LastHeartbeatAt: time.Now().UnixMilli()})
	addTestInstance(dbdriver.Instance{Name: "i-old-busy", Region: "us-east-2", ImageID: "ami-v1-east-2", ClientSHA: "sha-v1", Status: dbdriver.InstanceStatusActive, RemainingCapacity: 3, MandelboxCapacity: 16, LastHeartbeatAt: time.Now().UnixMilli()})

	regionToAMI := map[string]string{
		"us-east-1": "ami-v2-east-1",
		"us-east-2": "ami-v2-east-2",
	}
	if err := UpgradeImages(context.Background(), algorithms, db, gate, "sha-v2", regionToAMI); err != nil {
		t.Fatalf("UpgradeImages returned an error: %v", err)
	}

	// The new images are active and unprotected in both regions.
	for region, newImageID := range regionToAMI {
		active, ok := activeImageOf(region)
		if !ok {
			t.Fatalf("no active image left in %s", region)
		}
		if active.ImageID != newImageID {
			t.Errorf("expected %s to be active in %s, got %s", newImageID, region, active.ImageID)
		}
		if active.Protected {
			t.Errorf("expected the new active image in %s to be unprotected", region)
		}
		if active.ClientSHA != "sha-v2" {
			t.Errorf("expected the new active image in %s to carry the new commit hash, got %s", region, active.ClientSHA)
		}
	}

	// Every old-image instance is draining and got a drain request, busy or
	// not.
	for _, name := range []string{"i-old-empty", "i-old-busy"} {
		instance, ok := instanceByName(name)
		if !ok {
			t.Fatalf("instance %s disappeared during the upgrade", name)
		}
		if instance.Status != dbdriver.InstanceStatusDraining {
			t.Errorf("expected %s to be draining after the swap, got %v", name, instance.Status)
		}
	}
	if len(mockHosts["us-east-1"].drained) != 1 || len(mockHosts["us-east-2"].drained) != 1 {
		t.Errorf("expected one drain request per region, got %v and %v",
			len(mockHosts["us-east-1"].drained), len(mockHosts["us-east-2"].drained))
	}

	// The pre-warmed buffers survive on the new image. With the default
	// config, 10 desired free mandelboxes on g4dn.xlarge (one mandelbox per
	// instance) take 10 buffer instances per region.
	for region := range regionToAMI {
		if len(mockHosts[region].spunUp) != 10 {
			t.Errorf("expected 10 buffer instances launched in %s, got %v", region, len(mockHosts[region].spunUp))
			continue
		}
		for _, name := range mockHosts[region].spunUp {
			buffer, ok := instanceByName(name)
			if !ok {
				t.Fatalf("buffer instance %s in %s is missing from the database", name, region)
			}
			if buffer.Status == dbdriver.InstanceStatusDraining {
				t.Errorf("buffer instance %s in %s should not be draining after the swap", name, region)
			}
			if buffer.ImageID != regionToAMI[region] {
				t.Errorf("buffer instance %s in %s runs %s, expected %s", name, region, buffer.ImageID, regionToAMI[region])
			}
		}
	}

	// Each region's provisioning ran under the new image's row lock, so a
	// concurrent webserver replica could not have acted on the image
	// mid-provision.
	locked := db.lockedImagePairs()
	for region, newImageID := range regionToAMI {
		if !utils.StringSliceContains(locked, region+"/"+newImageID) {
			t.Errorf("expected the buffer provision in %s to hold the row lock of %s, locked pairs: %v", region, newImageID, locked)
		}
	}
}

func TestUpgradeBufferInstances(t *testing.T) {
	// 10 desired free mandelboxes, one mandelbox per g4dn.xlarge instance.
	if got := upgradeBufferInstances(); got != 10 {
		t.Errorf("upgradeBufferInstances() = %v, want 10", got)
	}
}

func TestUpgradeImagesRollsBackOnFailure(t *testing.T) {
	algorithms, mockHosts, db, gate := newTestFleet(t, "us-east-1", "us-east-2")

	addTestImage(dbdriver.Image{Region: "us-east-1", ImageID: "ami-v1-east-1", ClientSHA: "sha-v1", Active: true})
	addTestImage(dbdriver.Image{Region: "us-east-2", ImageID: "ami-v1-east-2", ClientSHA: "sha-v1", Active: true})
	addTestInstance(dbdriver.Instance{Name: "i-old", Region: "us-east-1", ImageID: "ami-v1-east-1", ClientSHA: "sha-v1", Status: dbdriver.InstanceStatusActive, RemainingCapacity: 16, MandelboxCapacity: 16, LastHeartbeatAt: time.Now().UnixMilli()})

	// One region cannot launch its buffer.
	mockHosts["us-east-2"].spinUpError = hosts.ErrProviderFatal

	regionToAMI := map[string]string{
		"us-east-1": "ami-v2-east-1",
		"us-east-2": "ami-v2-east-2",
	}
	if err := UpgradeImages(context.Background(), algorithms, db, gate, "sha-v2", regionToAMI); err == nil {
		t.Fatal("expected the upgrade to fail when one region cannot provision its buffer")
	}

	// No image pointer moved.
	for _, region := range []string{"us-east-1", "us-east-2"} {
		active, ok := activeImageOf(region)
		if !ok {
			t.Fatalf("no active image left in %s after rollback", region)
		}
		if active.ClientSHA != "sha-v1" {
			t.Errorf("expected %s to keep its old active image, got %s", region, active.ImageID)
		}
	}

	// The new image rows are gone and the healthy region's buffer is being
	// wound down.
	for region, newImageID := range regionToAMI {
		if imageExists(region, newImageID) {
			t.Errorf("expected new image %s in %s to be deleted on rollback", newImageID, region)
		}
	}
	for _, name := range mockHosts["us-east-1"].spunUp {
		buffer, ok := instanceByName(name)
		if !ok {
			continue
		}
		if buffer.Status != dbdriver.InstanceStatusDraining {
			t.Errorf("expected buffer instance %s to be draining after rollback, got %v", name, buffer.Status)
		}
	}

	// The old fleet is untouched.
	old, _ := instanceByName("i-old")
	if old.Status != dbdriver.InstanceStatusActive {
		t.Errorf("expected the old fleet to stay active after rollback, got %v", old.Status)
	}
}

func TestUpgradeImagesRefusedDuringMaintenance(t *testing.T) {
	algorithms, _, db, gate := newTestFleet(t, "us-east-1", "us-east-2")

	addTestImage(dbdriver.Image{Region: "us-east-1", ImageID: "ami-v1-east-1", ClientSHA: "sha-v1", Active: true})
	addTestImage(dbdriver.Image{Region: "us-east-2", ImageID: "ami-v1-east-2", ClientSHA: "sha-v1", Active: true})

	if success, _ := gate.BeginMaintenance("us-east-2"); !success {
		t.Fatal("expected maintenance mode to start with no tasks running")
	}

	regionToAMI := map[string]string{
		"us-east-1": "ami-v2-east-1",
		"us-east-2": "ami-v2-east-2",
	}
	err := UpgradeImages(context.Background(), algorithms, db, gate, "sha-v2", regionToAMI)
	if !errors.Is(err, maintenance.ErrMaintenanceMode) {
		t.Fatalf("expected a maintenance mode error, got %v", err)
	}

	// Nothing was provisioned.
	for region, newImageID := range regionToAMI {
		if imageExists(region, newImageID) {
			t.Errorf("expected no new image row in %s, got %s", region, newImageID)
		}
	}

	// The refused upgrade released its registrations on the open regions, so
	// they can still enter maintenance directly.
	if success, _ := gate.BeginMaintenance("us-east-1"); !success {
		t.Error("expected the open region to enter maintenance after the refused upgrade")
	}
}

func TestUpgradeImagesUnknownRegion(t *testing.T) {
	algorithms, _, db, gate := newTestFleet(t, "us-east-1")

	regionToAMI := map[string]string{
		"eu-west-1": "ami-v2-west",
	}
	if err := UpgradeImages(context.Background(), algorithms, db, gate, "sha-v2", regionToAMI); err == nil {
		t.Fatal("expected an error for a region with no running scaling algorithm")
	}
}
