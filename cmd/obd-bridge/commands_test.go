package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/autostars/obd-bridge/mocks"
	"github.com/autostars/obd-bridge/pkg/cli"
	"github.com/autostars/obd-bridge/pkg/model"
	"github.com/autostars/obd-bridge/pkg/protocol"
	"github.com/autostars/obd-bridge/pkg/session"
)

var _ = Describe("Commands", func() {
	var (
		ctrl   *gomock.Controller
		bridge *mocks.MockExecutor
		out    *bytes.Buffer
	)

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		bridge = mocks.NewMockExecutor(ctrl)
		out = &bytes.Buffer{}
	})

	Describe("execute", func() {
		It("runs a command offered by the backend", func() {
			bridge.EXPECT().AvailableCommands().Return(model.AvailableCommands{Commands: []string{"readRpm"}})
			bridge.EXPECT().Execute("readRpm").Return(nil)
			Expect(execute(out, bridge, []string{"execute", "readRpm"})).To(Succeed())
		})

		It("passes commands through before the list is known", func() {
			bridge.EXPECT().AvailableCommands().Return(model.AvailableCommands{})
			bridge.EXPECT().Execute("readSpeed").Return(nil)
			Expect(execute(out, bridge, []string{"execute", "readSpeed"})).To(Succeed())
		})

		It("rejects commands the backend does not offer", func() {
			bridge.EXPECT().AvailableCommands().Return(model.AvailableCommands{Commands: []string{"readRpm"}})
			Expect(execute(out, bridge, []string{"execute", "eraseEcu"})).To(MatchError(ErrUnsupported))
		})

		It("prints usage on a wrong argument count", func() {
			Expect(execute(out, bridge, []string{"execute"})).To(MatchError(ErrCommandLineArgs))
			Expect(out.String()).To(ContainSubstring("Usage: execute NAME"))
		})

		It("surfaces stale session errors", func() {
			bridge.EXPECT().AvailableCommands().Return(model.AvailableCommands{})
			bridge.EXPECT().Execute("readRpm").Return(protocol.ErrSessionClosed)
			Expect(execute(out, bridge, []string{"execute", "readRpm"})).To(MatchError(protocol.ErrSessionClosed))
		})
	})

	Describe("position", func() {
		It("parses both coordinates", func() {
			bridge.EXPECT().SendLocation(13.405, 52.52).Return(nil)
			Expect(execute(out, bridge, []string{"position", "13.405", "52.52"})).To(Succeed())
		})

		DescribeTable("rejects invalid coordinates",
			func(longitude, latitude string) {
				Expect(execute(out, bridge, []string{"position", longitude, latitude})).To(MatchError(ErrCommandLineArgs))
			},
			Entry("not a number", "east", "52.52"),
			Entry("longitude out of range", "181", "0"),
			Entry("latitude out of range", "0", "-91"),
			Entry("longitude not a number", "NaN", "0"),
			Entry("latitude not a number", "0", "nan"),
			Entry("infinite longitude", "+Inf", "0"),
		)
	})

	It("lists available commands in order", func() {
		bridge.EXPECT().AvailableCommands().Return(model.AvailableCommands{Commands: []string{"readSpeed", "readRpm"}})
		Expect(execute(out, bridge, []string{"commands"})).To(Succeed())
		Expect(out.String()).To(Equal("readRpm\nreadSpeed\n"))
	})

	It("prints the state and session", func() {
		bridge.EXPECT().State().Return(session.StateRelaying)
		bridge.EXPECT().SessionID().Return("sess-123")
		Expect(execute(out, bridge, []string{"status"})).To(Succeed())
		Expect(out.String()).To(ContainSubstring("relaying"))
		Expect(out.String()).To(ContainSubstring("sess-123"))
	})

	It("refreshes commands", func() {
		bridge.EXPECT().RefreshCommands().Return(errors.New("no session"))
		Expect(execute(out, bridge, []string{"refresh"})).To(MatchError("no session"))
	})

	It("rejects unknown commands", func() {
		Expect(execute(out, bridge, []string{"unlock"})).To(MatchError(ErrUnknownCommand))
	})

	Describe("interactive shell", func() {
		It("runs quoted commands until exit", func() {
			bridge.EXPECT().AvailableCommands().Return(model.AvailableCommands{})
			bridge.EXPECT().Execute("read rpm").Return(nil)
			in := strings.NewReader("\nexecute 'read rpm'\nexit\nrefresh\n")
			Expect(runInteractiveShell(in, out, bridge)).To(Equal(0))
		})

		It("keeps going after a failed command", func() {
			bridge.EXPECT().RefreshCommands().Return(ErrNoSession)
			bridge.EXPECT().RefreshCommands().Return(nil)
			in := strings.NewReader("refresh\nbogus\nrefresh\n")
			Expect(runInteractiveShell(in, out, bridge)).To(Equal(0))
		})

		It("prints help", func() {
			in := strings.NewReader("help\nhelp position\n")
			Expect(runInteractiveShell(in, out, bridge)).To(Equal(0))
			Expect(out.String()).To(ContainSubstring("  exit\n"))
			Expect(out.String()).To(ContainSubstring("Usage: position LONGITUDE LATITUDE"))
		})
	})

	Describe("token commands", func() {
		var config *cli.Config

		BeforeEach(func() {
			var err error
			config, err = cli.NewConfig()
			Expect(err).NotTo(HaveOccurred())
			config.TokenFilename = filepath.Join(GinkgoT().TempDir(), "token")
		})

		It("stores and forgets the login token", func() {
			Expect(runTokenCommand(config, "store-token", strings.NewReader("  tok-1  \n"))).To(Succeed())
			contents, err := os.ReadFile(config.TokenFilename)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(contents)).To(Equal("tok-1\n"))

			Expect(runTokenCommand(config, "forget-token", nil)).To(Succeed())
			_, err = os.Stat(config.TokenFilename)
			Expect(errors.Is(err, os.ErrNotExist)).To(BeTrue())
		})

		It("rejects an empty token", func() {
			Expect(runTokenCommand(config, "store-token", strings.NewReader("\n"))).To(MatchError(ErrCommandLineArgs))
		})
	})

	It("formats events with sorted attributes", func() {
		event, err := model.DecodeEvent([]byte(`{"id":"1","name":"de.autostars.domain.SpeedRead","attributes":{"unit":"kmh","kmh":42}}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(formatEvent(event)).To(Equal("SpeedRead kmh=42 unit=kmh"))
	})
})
