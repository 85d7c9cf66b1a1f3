//go:build e2e

/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cortexos/cortexos/internal/a2a"
	"github.com/cortexos/cortexos/internal/cadp"
	"github.com/cortexos/cortexos/internal/finops"
	"github.com/cortexos/cortexos/internal/pool"
	"github.com/cortexos/cortexos/internal/pricing"
	"github.com/cortexos/cortexos/internal/router"
	"github.com/cortexos/cortexos/internal/worker"
)

// bridge is the minimal serve-loop wiring: route, gate, execute on the pool,
// settle into the ledger.
type bridge struct {
	router *router.Router
	gate   *router.Gate
	ledger *finops.Engine
	pool   *pool.Pool
}

func newBridge(budget float64) *bridge {
	catalog := pricing.Default()
	registry := pool.NewEnvironmentRegistry()
	Expect(registry.Register(pool.Environment{ID: "default"})).To(Succeed())

	b := &bridge{
		router: router.New(catalog, router.Config{}, logr.Discard()),
		ledger: finops.New(finops.Config{}, catalog),
		pool:   pool.New(pool.Config{}, worker.NewEchoWorker(), registry),
	}
	if budget > 0 {
		b.gate = router.NewGate(budget)
	}
	return b
}

func (b *bridge) handle(ctx context.Context, task a2a.Task) (a2a.Task, error) {
	prompt := ""
	if task.Input != nil {
		prompt = task.Input.Text()
	}

	remaining := -1.0
	if b.gate != nil {
		remaining = b.gate.Remaining()
	}
	decision, err := b.router.Route(router.Request{
		EstimatedTokens: int64(len(prompt)/4) + 1,
		RemainingBudget: remaining,
	})
	if err != nil {
		return task, err
	}
	if b.gate != nil {
		if err := b.gate.CheckEstimate(decision.EstimatedCost); err != nil {
			return task, err
		}
	}

	done := make(chan pool.Task, 1)
	submitted, err := b.pool.Submit(pool.SubmitSpec{
		Prompt: prompt,
		OnEvent: func(ev pool.Event) {
			if ev.Task.Status.Terminal() {
				select {
				case done <- ev.Task:
				default:
				}
			}
		},
	})
	if err != nil {
		return task, err
	}

	var final pool.Task
	select {
	case <-ctx.Done():
		b.pool.Cancel(submitted.ID)
		return task, ctx.Err()
	case final = <-done:
	}

	if final.Status != pool.StatusCompleted {
		return task, errors.New("execution failed")
	}
	output := final.Result.Output
	_, _ = b.ledger.RecordConsumption(finops.ConsumptionRecord{
		AgentID:      "e2e",
		TaskID:       task.ID,
		Model:        decision.Model.Name,
		InputTokens:  int64(len(prompt)/4) + 1,
		OutputTokens: int64(len(output)/4) + 1,
		Cost:         decision.EstimatedCost,
	})
	if b.gate != nil {
		_ = b.gate.Spend(decision.EstimatedCost)
	}

	task.Status = a2a.StatusCompleted
	task.Output = &a2a.Message{Role: "agent", Parts: []a2a.Part{a2a.TextPart(output)}}
	if task.Metadata == nil {
		task.Metadata = make(map[string]string)
	}
	task.Metadata["model"] = decision.Model.Name
	return task, nil
}

func createTask(client *http.Client, baseURL, prompt string) a2a.Task {
	GinkgoHelper()
	body, err := json.Marshal(a2a.CreateTaskRequest{
		Message: a2a.Message{Role: "user", Parts: []a2a.Part{a2a.TextPart(prompt)}},
	})
	Expect(err).NotTo(HaveOccurred())

	resp, err := client.Post(baseURL+"/a2a/tasks", "application/json", bytes.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusCreated))

	var task a2a.Task
	Expect(json.NewDecoder(resp.Body).Decode(&task)).To(Succeed())
	Expect(task.ID).NotTo(BeEmpty())
	return task
}

func getTask(client *http.Client, baseURL, id string) a2a.Task {
	GinkgoHelper()
	resp, err := client.Get(baseURL + "/a2a/tasks/" + id)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusOK))

	var task a2a.Task
	Expect(json.NewDecoder(resp.Body).Decode(&task)).To(Succeed())
	return task
}

var _ = Describe("kernel gateway", Ordered, func() {
	var (
		b       *bridge
		gateway *a2a.Server
		srv     *httptest.Server
		client  *http.Client
	)

	BeforeAll(func() {
		By("wiring a kernel around the echo backend")
		b = newBridge(50)
		gateway = a2a.New(a2a.Config{
			MaxConcurrentTasks: 8,
			TaskTimeout:        30 * time.Second,
		}, a2a.WithHandler(b.handle), a2a.WithAgentCard(a2a.AgentCard{Name: "cortexos"}))
		srv = httptest.NewServer(gateway.Handler())
		client = srv.Client()
	})

	AfterAll(func() {
		By("draining the gateway and the pool")
		gateway.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		Expect(b.pool.Shutdown(ctx)).To(Succeed())
		srv.Close()
	})

	Context("A2A lifecycle", func() {
		It("should complete a task in echo mode", func() {
			By("creating a task")
			task := createTask(client, srv.URL, "Hello from the e2e suite")

			By("waiting for the task to complete")
			Eventually(func() a2a.TaskStatus {
				return getTask(client, srv.URL, task.ID).Status
			}, 10*time.Second, 100*time.Millisecond).Should(Equal(a2a.StatusCompleted))

			By("checking the task output and settlement")
			final := getTask(client, srv.URL, task.ID)
			Expect(final.Output).NotTo(BeNil())
			Expect(final.Output.Text()).To(Equal("Hello from the e2e suite"))
			Expect(final.Metadata["model"]).NotTo(BeEmpty())
			Expect(b.ledger.GetConsumption(finops.Filter{TaskID: task.ID})).To(HaveLen(1))
		})

		It("should stream status frames until terminal", func() {
			By("creating a task")
			task := createTask(client, srv.URL, "stream me")

			By("subscribing to the event stream")
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/a2a/tasks/"+task.ID+"/subscribe", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Accept", "text/event-stream")
			resp, err := client.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get("Content-Type")).To(ContainSubstring("text/event-stream"))

			By("reading frames until the stream closes")
			var last a2a.Task
			frames := 0
			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := scanner.Text()
				if !strings.HasPrefix(line, "data: ") {
					continue
				}
				frames++
				Expect(json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last)).To(Succeed())
			}
			Expect(frames).To(BeNumerically(">=", 1))
			Expect(last.Status).To(Equal(a2a.StatusCompleted))
			Expect(last.Output.Text()).To(Equal("stream me"))
		})

		It("should serve the agent card", func() {
			resp, err := client.Get(srv.URL + "/.well-known/agent.json")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var card a2a.AgentCard
			Expect(json.NewDecoder(resp.Body).Decode(&card)).To(Succeed())
			Expect(card.Name).To(Equal("cortexos"))
		})

		It("should reject tasks without message parts", func() {
			resp, err := client.Post(srv.URL+"/a2a/tasks", "application/json",
				strings.NewReader(`{"message":{"role":"user","parts":[]}}`))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Context("budget gate", func() {
		It("should fail tasks when the budget cannot cover them", func() {
			By("wiring a gateway with a near-zero budget")
			broke := newBridge(0.0000001)
			gw := a2a.New(a2a.Config{MaxConcurrentTasks: 2, TaskTimeout: 10 * time.Second},
				a2a.WithHandler(broke.handle))
			bsrv := httptest.NewServer(gw.Handler())
			defer func() {
				gw.Close()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = broke.pool.Shutdown(ctx)
				bsrv.Close()
			}()

			By("submitting a task and waiting for the denial")
			task := createTask(bsrv.Client(), bsrv.URL, "write a very long essay")
			Eventually(func() a2a.TaskStatus {
				return getTask(bsrv.Client(), bsrv.URL, task.ID).Status
			}, 10*time.Second, 100*time.Millisecond).Should(Equal(a2a.StatusFailed))

			By("checking nothing hit the ledger")
			Expect(broke.ledger.GetConsumption(finops.Filter{TaskID: task.ID})).To(BeEmpty())
		})
	})
})

var _ = Describe("federation mesh", Ordered, func() {
	var (
		fedA, fedB *cadp.Federation
		srvA, srvB *httptest.Server
	)

	BeforeAll(func() {
		By("starting two federation peers")
		fedA = cadp.New(cadp.Config{PeerName: "peer-a", MaxPeers: 4}, nil)
		fedB = cadp.New(cadp.Config{PeerName: "peer-b", MaxPeers: 4}, nil)
		srvA = httptest.NewServer(fedA.Handler())
		srvB = httptest.NewServer(fedB.Handler())
	})

	AfterAll(func() {
		srvA.Close()
		srvB.Close()
	})

	It("should propagate agent records between peers", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		By("registering an agent on peer A")
		_, err := fedA.Registry().Register(cadp.AgentDNSRecord{
			AgentID:      "agent-alpha",
			Domain:       "cortex.local",
			Endpoints:    []string{"http://agents.internal/alpha"},
			Capabilities: []string{"research"},
			TTL:          600,
		})
		Expect(err).NotTo(HaveOccurred())

		By("joining peer A from peer B and syncing")
		peer, err := fedB.AddPeer(ctx, srvA.URL, cadp.TrustPartial)
		Expect(err).NotTo(HaveOccurred())
		synced, err := fedB.SyncWithPeer(ctx, peer.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(synced).To(BeNumerically(">=", 1))

		By("resolving the record on peer B")
		rec, ok := fedB.Registry().Lookup("agent-alpha")
		Expect(ok).To(BeTrue())
		Expect(rec.Capabilities).To(ContainElement("research"))

		By("resolving via federated lookup as well")
		frec, ok := fedB.FederatedLookup(ctx, "agent-alpha")
		Expect(ok).To(BeTrue())
		Expect(frec.AgentID).To(Equal("agent-alpha"))
	})

	It("should answer capability searches across the mesh", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		By("registering a second capability on peer A")
		_, err := fedA.Registry().Register(cadp.AgentDNSRecord{
			AgentID:      "agent-beta",
			Domain:       "cortex.local",
			Endpoints:    []string{"http://agents.internal/beta"},
			Capabilities: []string{"summarize"},
			TTL:          600,
		})
		Expect(err).NotTo(HaveOccurred())

		By("searching from peer B")
		found := fedB.FederatedSearch(ctx, "summarize")
		ids := make([]string, 0, len(found))
		for _, r := range found {
			ids = append(ids, r.AgentID)
		}
		Expect(ids).To(ContainElement("agent-beta"))
	})
})

var _ = Describe("gateway capacity", func() {
	It("should shed load once max concurrent tasks is reached", func() {
		By("filling the gateway with slow tasks")
		registry := pool.NewEnvironmentRegistry()
		Expect(registry.Register(pool.Environment{ID: "default"})).To(Succeed())
		slowPool := pool.New(pool.Config{MaxContainers: 1},
			worker.NewEchoWorker(worker.WithEchoLatency(5*time.Second)), registry)

		handler := func(ctx context.Context, task a2a.Task) (a2a.Task, error) {
			done := make(chan pool.Task, 1)
			_, err := slowPool.Submit(pool.SubmitSpec{
				Prompt: task.Input.Text(),
				OnEvent: func(ev pool.Event) {
					if ev.Task.Status.Terminal() {
						select {
						case done <- ev.Task:
						default:
						}
					}
				},
			})
			if err != nil {
				return task, err
			}
			select {
			case <-ctx.Done():
				return task, ctx.Err()
			case <-done:
				task.Status = a2a.StatusCompleted
				return task, nil
			}
		}
		gw := a2a.New(a2a.Config{MaxConcurrentTasks: 2, TaskTimeout: 30 * time.Second},
			a2a.WithHandler(handler))
		srv := httptest.NewServer(gw.Handler())
		defer func() {
			gw.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = slowPool.Shutdown(ctx)
			srv.Close()
		}()

		createTask(srv.Client(), srv.URL, "slow one")
		createTask(srv.Client(), srv.URL, "slow two")

		By("verifying the third submission is refused")
		body := `{"message":{"role":"user","parts":[{"type":"text","text":"one too many"}]}}`
		resp, err := srv.Client().Post(srv.URL+"/a2a/tasks", "application/json", strings.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))

		var errResp a2a.ErrorResponse
		Expect(json.NewDecoder(resp.Body).Decode(&errResp)).To(Succeed())
		fmt.Fprintf(GinkgoWriter, "capacity refusal: %s\n", errResp.Error.Message)
	})
})
